package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectURL(t *testing.T) {
	u, err := NewMinIOUploader(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "receipts",
		PublicURL: "https://files.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/receipts/2026/RC-1.pdf", u.ObjectURL("/2026/RC-1.pdf"))

	local, err := NewMinIOUploader(Config{Endpoint: "localhost:9000", Bucket: "receipts"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/receipts/a.pdf", local.ObjectURL("a.pdf"))
}

func TestNewMinIOUploaderRequiresConfig(t *testing.T) {
	_, err := NewMinIOUploader(Config{})
	assert.Error(t, err)
}
