package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-PeerHub-Signature"
	TimestampHeader = "X-PeerHub-Timestamp"
)

// WebhookSender hands reset messages to an external mailer over HTTPS. Each body is
// signed with HMAC-SHA256 over "<timestamp>.<body>" so the receiver can reject
// forged or replayed calls.
type WebhookSender struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

func NewWebhookSender(rawURL, secret string) (*WebhookSender, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse reset webhook url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("invalid reset webhook scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("reset webhook url has no host")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("missing reset webhook secret")
	}

	return &WebhookSender{
		endpoint: parsed.String(),
		secret:   []byte(secret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}, nil
}

func (s *WebhookSender) SendPasswordReset(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Event: "password_reset", Message: msg})
	if err != nil {
		return fmt.Errorf("encode reset webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reset webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(SignatureHeader, Sign(s.secret, timestamp, body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reset webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

type webhookPayload struct {
	Event   string  `json:"event"`
	Message Message `json:"message"`
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
