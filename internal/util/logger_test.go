package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetLoggerConcurrentFirstUse(t *testing.T) {
	current.Store(nil)
	t.Cleanup(func() { current.Store(nil) })

	var wg sync.WaitGroup
	got := make([]*zap.Logger, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = GetLogger()
		}(i)
	}
	wg.Wait()

	for _, l := range got {
		require.NotNil(t, l)
		assert.Same(t, got[0], l, "every caller shares one logger")
	}
}

func TestInitLoggerReplacesDefault(t *testing.T) {
	current.Store(nil)
	t.Cleanup(func() { current.Store(nil) })

	before := GetLogger()
	require.NoError(t, InitLogger("offer-service", "production"))
	after := GetLogger()

	assert.NotSame(t, before, after)
	assert.Same(t, after, zap.L())
	SyncLogger()
}
