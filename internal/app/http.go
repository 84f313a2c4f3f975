package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/model"
	"github.com/nappa85/Pokifications-sub000/internal/reconcile"
	"github.com/nappa85/Pokifications-sub000/internal/store"
)

// maxWebhookBody bounds the size of one webhook request.
const maxWebhookBody = 8 << 20

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/webhook", a.handleWebhook)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/subscribers", a.handleSubscribers)
	mux.HandleFunc("/api/subscribers/{id}/reload", a.handleReload)
	mux.HandleFunc("/api/ingestion-errors", a.handleIngestionErrors)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz reports ready once the store answers and the first reconcile
// pass has completed.
func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.loop == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}

	select {
	case <-a.loop.Ready():
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	batch, err := a.ingest("webhook", body, "")
	if err != nil {
		a.logger.Warn("webhook decode failed", "remote", r.RemoteAddr, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	a.logger.Debug("webhook ingested", "batch", batch.ID, "events", len(batch.Events), "skipped", len(batch.Skipped))
	writeJSON(w, http.StatusOK, struct {
		Batch    string `json:"batch"`
		Accepted int    `json:"accepted"`
		Skipped  int    `json:"skipped"`
	}{batch.ID, len(batch.Events), len(batch.Skipped)})
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	lastVersion, _, err := a.store.AppConfigValue(ctx, store.LastVersionKey)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	active := map[string]any{
		"http_port":           a.cfg.HTTPPort,
		"mqtt_bind":           a.cfg.MQTTBindAddress,
		"metrics_port":        a.cfg.MetricsPort,
		"database_path":       a.cfg.DatabasePath,
		"log_level":           a.cfg.LogLevel,
		"transport":           a.cfg.Transport,
		"renderer":            a.cfg.RendererURL != "",
		"reconcile_interval":  a.cfg.ReconcileInterval.String(),
		"full_resync_every":   a.cfg.FullResyncEvery,
		"flood_limit":         a.cfg.FloodLimit,
		"per_subscriber_rate": a.cfg.PerSubscriberRate,
		"global_rate":         a.cfg.GlobalRate,
	}

	writeJSON(w, http.StatusOK, struct {
		Version     string         `json:"version"`
		LastVersion string         `json:"last_version"`
		Active      map[string]any `json:"active"`
	}{a.version, lastVersion, active})
}

type subscriberView struct {
	ID int64 `json:"id"`
	reconcile.Entry
	Live bool `json:"live"`
}

func (a *App) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := a.loop.Entries()
	views := make([]subscriberView, 0, len(entries))
	for id, e := range entries {
		views = append(views, subscriberView{
			ID:    id,
			Entry: e,
			Live:  a.dispatcher.Live(id),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	writeJSON(w, http.StatusOK, struct {
		Subscribers []subscriberView `json:"subscribers"`
		Watches     int              `json:"watches"`
	}{views, a.dispatcher.Watches()})
}

func (a *App) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid subscriber id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	state, err := a.loop.Reload(ctx, id)
	if err != nil {
		a.logger.Error("reload failed", "subscriber", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"id": id, "state": state, "error": err.Error()})
		return
	}
	entry := a.loop.Entry(id)
	writeJSON(w, http.StatusOK, subscriberView{ID: id, Entry: entry, Live: a.dispatcher.Live(id)})
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	errs, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load ingestion errors", http.StatusInternalServerError)
		return
	}
	if errs == nil {
		errs = []model.IngestionError{}
	}

	writeJSON(w, http.StatusOK, struct {
		Errors []model.IngestionError `json:"errors"`
	}{errs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
