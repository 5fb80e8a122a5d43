package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const redacted = "[redacted]"

// sensitiveHeaders never leave the process with an event.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"proxy-authorization": true,
	"x-peerhub-signature": true,
}

// sensitiveKeys are extra fields that may carry credentials.
var sensitiveKeys = []string{"password", "token", "secret", "ticket"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// scrubEvent strips credentials from an event before it is sent. Request bodies are
// dropped entirely since every auth payload carries a password or token.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil {
		return nil
	}

	if req := event.Request; req != nil {
		for name := range req.Headers {
			if sensitiveHeaders[strings.ToLower(name)] {
				req.Headers[name] = redacted
			}
		}
		req.Cookies = ""
		req.Data = ""
		req.QueryString = scrubQuery(req.QueryString)
	}

	for key := range event.Extra {
		if isSensitiveKey(key) {
			event.Extra[key] = redacted
		}
	}

	return event
}

func scrubQuery(query string) string {
	if query == "" {
		return query
	}

	parts := strings.Split(query, "&")
	for i, part := range parts {
		name, _, found := strings.Cut(part, "=")
		if found && isSensitiveKey(name) {
			parts[i] = name + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
