package probe

import (
	"context"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"bnbwatch/internal/models"
)

const browserBackend = "browser"

// BrowserProber drives a headless browser against the listing page with the
// stay dates pre-filled and reads the booking panel. Slower and heavier than
// the vendor backend; used when no vendor key is configured.
type BrowserProber struct {
	chromeBin string
	log       *zap.Logger
}

func NewBrowserProber(chromeBin string, log *zap.Logger) *BrowserProber {
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	return &BrowserProber{chromeBin: chromeBin, log: log}
}

// Markers on the rendered page, checked in order: bot walls first, then
// hard unavailability, then the reservable state.
var blockedMarkers = []string{
	"are you a robot",
	"verify you are human",
	"access denied",
	"captcha",
}

var unavailableMarkers = []string{
	"those dates are not available",
	"selected dates are not available",
	"this place is no longer available",
	"minimum stay",
}

var availableMarkers = []string{
	"reserve",
	"instant book",
	"you won't be charged yet",
}

func (p *BrowserProber) Probe(ctx context.Context, req Request) Result {
	start := time.Now()
	res := Result{Backend: browserBackend}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if p.chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(p.chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancelTab()

	var bodyText string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(datedListingURL(req)),
		chromedp.Sleep(3*time.Second),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
	)
	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = models.OutcomeError
		res.Diagnostics = err.Error()
		return res
	}

	res.Outcome, res.Diagnostics = classifyPage(bodyText)
	return res
}

func classifyPage(bodyText string) (models.ScanOutcome, string) {
	page := strings.ToLower(bodyText)
	for _, m := range blockedMarkers {
		if strings.Contains(page, m) {
			return models.OutcomeBlocked, "page marker: " + m
		}
	}
	for _, m := range unavailableMarkers {
		if strings.Contains(page, m) {
			return models.OutcomeUnavailable, "page marker: " + m
		}
	}
	for _, m := range availableMarkers {
		if strings.Contains(page, m) {
			return models.OutcomeAvailable, "page marker: " + m
		}
	}
	// A rendered page with no recognizable booking panel is inconclusive.
	return models.OutcomeError, "no availability markers found"
}

// datedListingURL pre-fills the stay dates on the listing URL so the booking
// panel renders the watched range.
func datedListingURL(req Request) string {
	u, err := url.Parse(req.ListingURL)
	if err != nil {
		return req.ListingURL
	}
	q := u.Query()
	q.Set("check_in", req.CheckIn.Format("2006-01-02"))
	q.Set("check_out", req.CheckOut.Format("2006-01-02"))
	if req.Guests > 0 {
		q.Set("adults", strconv.Itoa(req.Guests))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func findChromeBinary() string {
	candidates := []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	return ""
}
