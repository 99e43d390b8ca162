package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bnbwatch/internal/ledger"
	"bnbwatch/internal/models"
	"bnbwatch/internal/storage"
)

// Runner is a single idempotent engine pass (a scheduler tick or an expiry
// sweep), safe to call out of band.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// EngineHandler exposes the operational surface of the monitoring engine:
// manual triggers, ledger queries, watch metrics, and the provider delivery
// callback.
type EngineHandler struct {
	store     storage.WatchStore
	ledger    ledger.Ledger
	scheduler Runner
	sweeper   Runner
	log       *zap.Logger
}

func NewEngineHandler(store storage.WatchStore, ldg ledger.Ledger, scheduler, sweeper Runner, log *zap.Logger) *EngineHandler {
	return &EngineHandler{
		store:     store,
		ledger:    ldg,
		scheduler: scheduler,
		sweeper:   sweeper,
		log:       log,
	}
}

// TriggerScan runs one scheduling pass out of band. Leases make a
// concurrent tick harmless, so this is safe at any time.
func (h *EngineHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.RunOnce(r.Context()); err != nil {
		h.log.Error("manual scan trigger failed", zap.Error(err))
		http.Error(w, "Scan pass failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan pass completed"})
}

// TriggerSweep runs one expiry sweep out of band.
func (h *EngineHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if err := h.sweeper.RunOnce(r.Context()); err != nil {
		h.log.Error("manual sweep trigger failed", zap.Error(err))
		http.Error(w, "Sweep pass failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep pass completed"})
}

// GetScans returns the most recent scan attempts for a watch.
func (h *EngineHandler) GetScans(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Watch ID is required", http.StatusBadRequest)
		return
	}

	scans, err := h.ledger.ScansByWatch(r.Context(), id, 100)
	if err != nil {
		h.log.Error("failed to query scans", zap.String("watch_id", id), zap.Error(err))
		http.Error(w, "Failed to query scans", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

// GetNotifications returns the most recent notification records for a watch.
func (h *EngineHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Watch ID is required", http.StatusBadRequest)
		return
	}

	notifications, err := h.ledger.NotificationsByWatch(r.Context(), id, 100)
	if err != nil {
		h.log.Error("failed to query notifications", zap.String("watch_id", id), zap.Error(err))
		http.Error(w, "Failed to query notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

// Metrics reports watch counts by status plus how many are currently
// failing probes.
func (h *EngineHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	watches, err := h.store.GetAll(r.Context())
	if err != nil {
		h.log.Error("failed to load watches for metrics", zap.Error(err))
		http.Error(w, "Failed to get metrics", http.StatusInternalServerError)
		return
	}

	stats := map[string]int{
		"total":   len(watches),
		"active":  0,
		"paused":  0,
		"expired": 0,
		"failing": 0,
	}
	for _, watch := range watches {
		stats[string(watch.Status)]++
		if watch.ConsecutiveFailures > 0 {
			stats["failing"]++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

type deliveryCallback struct {
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// DeliveryCallback receives asynchronous delivery reports from channel
// providers, keyed by the provider's message ref.
func (h *EngineHandler) DeliveryCallback(w http.ResponseWriter, r *http.Request) {
	var cb deliveryCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if cb.ProviderRef == "" {
		http.Error(w, "provider_ref is required", http.StatusBadRequest)
		return
	}

	var status models.NotificationStatus
	switch cb.Status {
	case "delivered":
		status = models.StatusDelivered
	case "failed":
		status = models.StatusFailed
	default:
		http.Error(w, "status must be delivered or failed", http.StatusBadRequest)
		return
	}

	if err := h.ledger.SettleNotification(r.Context(), cb.ProviderRef, status, cb.Error); err != nil {
		h.log.Warn("delivery callback for unknown ref",
			zap.String("provider_ref", cb.ProviderRef), zap.Error(err))
		http.Error(w, "Unknown provider ref", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
