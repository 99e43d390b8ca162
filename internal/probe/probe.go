package probe

import (
	"context"
	"regexp"
	"time"

	"bnbwatch/internal/models"
)

// Request identifies one property/date-range pair to check.
type Request struct {
	PropertyID string
	ListingURL string
	CheckIn    time.Time
	CheckOut   time.Time
	Guests     int
}

// Result is the outcome of a single probe. Blocked and rate-limited upstream
// conditions are ordinary outcomes here, never Go errors: the scheduler must
// be able to log them and move on without special-casing.
type Result struct {
	Outcome     models.ScanOutcome
	Backend     string
	Latency     time.Duration
	Diagnostics string
}

// Prober checks whether a property is bookable for a date range. The context
// carries the probe deadline; implementations must honor it.
type Prober interface {
	Probe(ctx context.Context, req Request) Result
}

// RequestFor builds the probe request for a watch. A watch created from a
// bare listing URL carries no property id; derive it from the URL so the
// vendor backend can still address the listing.
func RequestFor(w *models.Watch) Request {
	id := w.PropertyID
	if id == "" {
		id = PropertyIDFromURL(w.ListingURL)
	}
	return Request{
		PropertyID: id,
		ListingURL: w.ListingURL,
		CheckIn:    w.CheckIn,
		CheckOut:   w.CheckOut,
		Guests:     w.Guests,
	}
}

// IsHit reports whether the result counts as a tentative availability hit
// for a watch. Partial results count only when the watch opted in.
func (r Result) IsHit(partialMatch bool) bool {
	if r.Outcome == models.OutcomeAvailable {
		return true
	}
	return r.Outcome == models.OutcomePartial && partialMatch
}

// Classify maps a scraped calendar onto an outcome. openNights is keyed by
// night date in "2006-01-02" form; the stay covers checkIn (inclusive) to
// checkOut (exclusive).
func Classify(openNights map[string]bool, checkIn, checkOut time.Time) models.ScanOutcome {
	total, open := 0, 0
	for d := checkIn.UTC(); d.Before(checkOut.UTC()); d = d.AddDate(0, 0, 1) {
		total++
		if openNights[d.Format("2006-01-02")] {
			open++
		}
	}
	switch {
	case total == 0:
		return models.OutcomeError
	case open == total:
		return models.OutcomeAvailable
	case open > 0:
		return models.OutcomePartial
	default:
		return models.OutcomeUnavailable
	}
}

var roomsIDPattern = regexp.MustCompile(`/rooms/(\d+)`)

// PropertyIDFromURL extracts the numeric listing id from a /rooms/{id} URL.
// Returns "" when the URL does not carry one.
func PropertyIDFromURL(url string) string {
	m := roomsIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}
