package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bnbwatch/internal/models"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioProvider sends SMS alerts through Twilio's REST API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

func NewTwilioProvider(accountSID, authToken, from string) *TwilioProvider {
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *TwilioProvider) Channel() models.NotificationChannel {
	return models.ChannelSMS
}

func (p *TwilioProvider) Send(ctx context.Context, destination, body string, meta map[string]string) (string, error) {
	form := url.Values{}
	form.Set("From", p.from)
	form.Set("To", destination)
	form.Set("Body", body)
	if cb := meta["status_callback"]; cb != "" {
		form.Set("StatusCallback", cb)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", twilioAPIBase, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("twilio: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("twilio: decode response: %w", err)
	}
	if out.SID == "" {
		return "", fmt.Errorf("twilio: response missing message sid")
	}
	return out.SID, nil
}
