package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bnbwatch/internal/models"
)

const resendAPIURL = "https://api.resend.com/emails"

// ResendProvider sends email alerts through the Resend API.
type ResendProvider struct {
	apiKey string
	from   string
	client *http.Client
}

func NewResendProvider(apiKey, from string) *ResendProvider {
	return &ResendProvider{
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *ResendProvider) Channel() models.NotificationChannel {
	return models.ChannelEmail
}

func (p *ResendProvider) Send(ctx context.Context, destination, body string, meta map[string]string) (string, error) {
	subject := meta["subject"]
	if subject == "" {
		subject = "Property availability alert"
	}

	payload := map[string]interface{}{
		"from":    p.from,
		"to":      []string{destination},
		"subject": subject,
		"text":    body,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("resend: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendAPIURL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("resend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resend: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("resend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("resend: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("resend: response missing message id")
	}
	return out.ID, nil
}
