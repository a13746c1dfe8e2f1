package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

func TestBuildMessage(t *testing.T) {
	s := NewSMTPSender("localhost", 1025, "", "", "noreply@example.com", "Offers")

	msg, err := s.build("admin@example.com", "hello", "<p>hi</p>")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, msg.GetGenHeader(gomail.HeaderSubject))

	_, err = s.build("not-an-address", "hello", "")
	assert.Error(t, err)
}

func TestNotificationRenderEscapes(t *testing.T) {
	subject, body, err := Notification{
		Heading:     "Agreement amount changed",
		AgreementID: "a1",
		RequestID:   "r1",
		Lines:       []string{"1500 -> 1800", "<script>"},
	}.Render()
	require.NoError(t, err)
	assert.Equal(t, "[offers] Agreement amount changed", subject)
	assert.Contains(t, body, "1500 -&gt; 1800")
	assert.NotContains(t, body, "<script>")
}
