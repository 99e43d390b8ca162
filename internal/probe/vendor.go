package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bnbwatch/internal/models"
)

const vendorBackend = "vendor"

// VendorProber checks availability through a hosted scraping API. The vendor
// works asynchronously: a trigger call returns a snapshot id, which is then
// polled until the scrape finishes and a calendar comes back.
type VendorProber struct {
	apiURL   string
	apiKey   string
	client   *http.Client
	poll     time.Duration
	maxPolls int
	log      *zap.Logger
}

func NewVendorProber(apiURL, apiKey string, pollEvery time.Duration, maxPolls int, log *zap.Logger) *VendorProber {
	return &VendorProber{
		apiURL:   apiURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 20 * time.Second},
		poll:     pollEvery,
		maxPolls: maxPolls,
		log:      log,
	}
}

type triggerRequest struct {
	PropertyID string `json:"property_id"`
	ListingURL string `json:"listing_url"`
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
	Guests     int    `json:"guests"`
}

type triggerResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

type snapshotResponse struct {
	Status     string          `json:"status"` // running, ready, failed
	OpenNights map[string]bool `json:"open_nights"`
	Error      string          `json:"error,omitempty"`
}

func (p *VendorProber) Probe(ctx context.Context, req Request) Result {
	start := time.Now()
	res := Result{Backend: vendorBackend}

	snapshotID, outcome, diag := p.trigger(ctx, req)
	if outcome != "" {
		res.Outcome = outcome
		res.Diagnostics = diag
		res.Latency = time.Since(start)
		return res
	}

	res.Outcome, res.Diagnostics = p.await(ctx, snapshotID, req)
	res.Latency = time.Since(start)
	return res
}

// trigger starts a vendor scrape. A non-empty outcome means the probe is
// already decided (blocked upstream, transport failure) and polling is moot.
func (p *VendorProber) trigger(ctx context.Context, req Request) (string, models.ScanOutcome, string) {
	body, err := json.Marshal(triggerRequest{
		PropertyID: req.PropertyID,
		ListingURL: req.ListingURL,
		CheckIn:    req.CheckIn.Format("2006-01-02"),
		CheckOut:   req.CheckOut.Format("2006-01-02"),
		Guests:     req.Guests,
	})
	if err != nil {
		return "", models.OutcomeError, err.Error()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/trigger", bytes.NewReader(body))
	if err != nil {
		return "", models.OutcomeError, err.Error()
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", models.OutcomeError, err.Error()
	}
	defer resp.Body.Close()

	if outcome, diag := classifyHTTPStatus(resp.StatusCode); outcome != "" {
		return "", outcome, diag
	}

	var tr triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", models.OutcomeError, fmt.Sprintf("decode trigger response: %v", err)
	}
	if tr.SnapshotID == "" {
		return "", models.OutcomeError, "vendor returned empty snapshot id"
	}
	return tr.SnapshotID, "", ""
}

// await polls the snapshot until the vendor finishes or the poll budget runs
// out. A spent budget is a transient error outcome, retried on the next
// natural tick, never inline.
func (p *VendorProber) await(ctx context.Context, snapshotID string, req Request) (models.ScanOutcome, string) {
	for attempt := 0; attempt < p.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return models.OutcomeError, "probe deadline exceeded while polling vendor"
		case <-time.After(p.poll):
		}

		snap, outcome, diag := p.fetchSnapshot(ctx, snapshotID)
		if outcome != "" {
			return outcome, diag
		}

		switch snap.Status {
		case "ready":
			return Classify(snap.OpenNights, req.CheckIn, req.CheckOut), ""
		case "failed":
			return models.OutcomeError, "vendor scrape failed: " + snap.Error
		default:
			// still running
		}
	}
	return models.OutcomeError, fmt.Sprintf("vendor snapshot %s not ready after %d polls", snapshotID, p.maxPolls)
}

func (p *VendorProber) fetchSnapshot(ctx context.Context, snapshotID string) (*snapshotResponse, models.ScanOutcome, string) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"/snapshot/"+snapshotID, nil)
	if err != nil {
		return nil, models.OutcomeError, err.Error()
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, models.OutcomeError, err.Error()
	}
	defer resp.Body.Close()

	if outcome, diag := classifyHTTPStatus(resp.StatusCode); outcome != "" {
		return nil, outcome, diag
	}

	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, models.OutcomeError, fmt.Sprintf("decode snapshot: %v", err)
	}
	return &snap, "", ""
}

// classifyHTTPStatus maps vendor HTTP statuses onto probe outcomes. Rate
// limiting and bot walls are normal blocked outcomes, not errors.
func classifyHTTPStatus(code int) (models.ScanOutcome, string) {
	switch {
	case code == http.StatusOK:
		return "", ""
	case code == http.StatusTooManyRequests || code == http.StatusForbidden:
		return models.OutcomeBlocked, fmt.Sprintf("vendor responded %d", code)
	default:
		return models.OutcomeError, fmt.Sprintf("vendor responded %d", code)
	}
}
