package notify

import (
	"context"

	"bnbwatch/internal/models"
)

// Provider is one outbound alert channel. Send returns the vendor's message
// id (the provider ref) on success; delivery status arrives later through
// the provider's webhook, keyed by that ref.
type Provider interface {
	Channel() models.NotificationChannel
	Send(ctx context.Context, destination, body string, meta map[string]string) (string, error)
}

// Prefs is the slice of the external user-profile store this engine reads:
// which channels an owner enabled and where to reach them.
type Prefs struct {
	EmailEnabled bool   `json:"email_enabled"`
	Email        string `json:"email"`
	SMSEnabled   bool   `json:"sms_enabled"`
	Phone        string `json:"phone"`
}

// PrefsLookup resolves notification preferences for an owner. Backed by the
// excluded user-profile store; read-only here.
type PrefsLookup interface {
	Preferences(ctx context.Context, ownerID string) (Prefs, error)
}
