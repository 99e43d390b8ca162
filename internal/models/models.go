package models

import (
	"time"
)

type FrequencyTier string

const (
	TierDaily  FrequencyTier = "daily"
	TierHourly FrequencyTier = "hourly"
	TierSniper FrequencyTier = "sniper"
)

// Interval returns the polling cadence for a tier. Unknown tiers fall back
// to hourly rather than failing, so a bad record cannot stall the scheduler.
func (t FrequencyTier) Interval() time.Duration {
	switch t {
	case TierDaily:
		return 24 * time.Hour
	case TierHourly:
		return time.Hour
	case TierSniper:
		return 5 * time.Minute
	default:
		return time.Hour
	}
}

type WatchStatus string

const (
	WatchActive  WatchStatus = "active"
	WatchPaused  WatchStatus = "paused"
	WatchExpired WatchStatus = "expired"
)

// Watch is one user's request to be alerted about a property/date-range pair.
type Watch struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	PropertyID   string        `json:"property_id"`
	PropertyName string        `json:"property_name"`
	ListingURL   string        `json:"listing_url"`
	CheckIn      time.Time     `json:"check_in"`
	CheckOut     time.Time     `json:"check_out"`
	Guests       int           `json:"guests"`
	Tier         FrequencyTier `json:"frequency_tier"`
	PartialMatch bool          `json:"partial_match"`
	Status       WatchStatus   `json:"status"`

	LastScannedAt  *time.Time `json:"last_scanned_at,omitempty"`
	NextDueAt      time.Time  `json:"next_due_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`

	// ConsecutiveFailures counts error/blocked probes since the last clean
	// scan. Surfaced for observability only; this engine never auto-pauses.
	ConsecutiveFailures int `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiryFor derives the hard scanning deadline: end of day (UTC) on the
// check-in date. Immutable after creation.
func ExpiryFor(checkIn time.Time) time.Time {
	y, m, d := checkIn.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

type ScanOutcome string

const (
	OutcomeAvailable   ScanOutcome = "available"
	OutcomeUnavailable ScanOutcome = "unavailable"
	OutcomePartial     ScanOutcome = "partial"
	OutcomeError       ScanOutcome = "error"
	OutcomeBlocked     ScanOutcome = "blocked"
)

type ScanPhase string

const (
	PhaseScan   ScanPhase = "scan"
	PhaseVerify ScanPhase = "verify"
)

// ScanAttempt is one probe execution, immutable once written to the ledger.
type ScanAttempt struct {
	ID        string      `json:"id"`
	WatchID   string      `json:"watch_id"`
	Outcome   ScanOutcome `json:"outcome"`
	Phase     ScanPhase   `json:"phase"`
	Backend   string      `json:"backend"`
	LatencyMS int64       `json:"latency_ms"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type VerificationState string

const (
	VerifyPending   VerificationState = "pending-verify"
	VerifyConfirmed VerificationState = "confirmed"
	VerifyRejected  VerificationState = "rejected"
)

// VerificationSession tracks a single tentative-hit → confirm cycle. It is
// ephemeral: the session travels as the payload of the delayed verify
// message, so a pending re-probe survives process restarts.
type VerificationSession struct {
	WatchID      string            `json:"watch_id"`
	FirstHitAt   time.Time         `json:"first_hit_at"`
	FirstOutcome ScanOutcome       `json:"first_outcome"`
	State        VerificationState `json:"state"`

	// LeaseToken is the scheduler's lease ownership token, carried so the
	// verifier can prove it still owns the watch before re-probing.
	LeaseToken string `json:"lease_token"`
}

type NotificationChannel string

const (
	ChannelSMS   NotificationChannel = "sms"
	ChannelEmail NotificationChannel = "email"
)

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusFailed    NotificationStatus = "failed"
	StatusSkipped   NotificationStatus = "skipped"
)

// Notification is one alert dispatch attempt. Immutable once written, except
// that the provider's delivery callback moves sent → delivered/failed.
type Notification struct {
	ID          string              `json:"id"`
	WatchID     string              `json:"watch_id"`
	OwnerID     string              `json:"owner_id"`
	Channel     NotificationChannel `json:"channel"`
	Destination string              `json:"destination"`
	Body        string              `json:"body"`
	DeepLink    string              `json:"deep_link,omitempty"`
	Status      NotificationStatus  `json:"status"`
	ProviderRef string              `json:"provider_ref,omitempty"`
	Error       string              `json:"error,omitempty"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}
