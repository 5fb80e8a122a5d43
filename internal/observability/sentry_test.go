package observability

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			URL:    "https://api.peerhub.test/auth/login",
			Method: "POST",
			Data:   `{"email":"a@klh.edu.in","password":"Abcd123!"}`,
			Headers: map[string]string{
				"Authorization":       "Bearer secret",
				"X-PeerHub-Signature": "sha256=abc",
				"User-Agent":          "peerhub-test",
			},
			Cookies:     "session=abc",
			QueryString: "token=abc&page=2",
		},
		Extra: map[string]any{
			"refreshToken": "raw",
			"path":         "/auth/login",
		},
	}

	got := scrubEvent(event, nil)
	require.NotNil(t, got)
	assert.Equal(t, redacted, got.Request.Headers["Authorization"])
	assert.Equal(t, redacted, got.Request.Headers["X-PeerHub-Signature"])
	assert.Equal(t, "peerhub-test", got.Request.Headers["User-Agent"])
	assert.Empty(t, got.Request.Data)
	assert.Empty(t, got.Request.Cookies)
	assert.Equal(t, "token="+redacted+"&page=2", got.Request.QueryString)
	assert.Equal(t, redacted, got.Extra["refreshToken"])
	assert.Equal(t, "/auth/login", got.Extra["path"])
}

func TestScrubEvent_WithoutRequest(t *testing.T) {
	assert.Nil(t, scrubEvent(nil, nil))

	event := &sentry.Event{Message: "boom"}
	assert.Same(t, event, scrubEvent(event, nil))
}

func TestInitSentry_Disabled(t *testing.T) {
	assert.NoError(t, InitSentry("", "test"))
}
