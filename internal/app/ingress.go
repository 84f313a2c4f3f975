package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/dispatch"
	"github.com/nappa85/Pokifications-sub000/internal/ingest"
	"github.com/nappa85/Pokifications-sub000/internal/model"
	"github.com/nappa85/Pokifications-sub000/internal/mqttbroker"
)

const eventTopicPrefix = "events/"

func (a *App) handleMQTTPublish(_ context.Context, msg mqttbroker.Message) {
	if !strings.HasPrefix(msg.Topic, eventTopicPrefix) {
		return
	}
	kind := strings.TrimPrefix(msg.Topic, eventTopicPrefix)
	if _, err := a.ingest("mqtt:"+msg.ClientID, msg.Payload, kind); err != nil {
		a.logger.Warn("mqtt payload decode failed", "topic", msg.Topic, "error", err)
	}
}

// ingest parses body and routes every decoded event. Records that fail to
// decode are skipped and logged to the store in the background.
func (a *App) ingest(source string, body []byte, defaultType string) (ingest.Batch, error) {
	batch, err := ingest.Parse(body, defaultType)
	if err != nil {
		a.metrics.EventIngested("body", "malformed")
		a.recordIngestionErrors(ingestionError(source, body, err))
		return batch, err
	}

	failures := make([]model.IngestionError, 0, len(batch.Skipped))
	for _, f := range batch.Skipped {
		a.metrics.EventIngested(f.Type, "skipped")
		a.logger.Debug("record skipped", "batch", batch.ID, "index", f.Index, "type", f.Type, "error", f.Err)
		failures = append(failures, ingestionError(source, f.Payload, f.Err))
	}
	a.recordIngestionErrors(failures...)
	for _, ev := range batch.Events {
		a.route(ev)
	}
	return batch, nil
}

func (a *App) route(ev model.Event) {
	kind := ev.Kind().String()
	switch e := ev.(type) {
	case *model.Reload:
		a.metrics.EventIngested(kind, "control")
		a.goReload(e.SubscriberID)
	case *model.WatchStart:
		a.metrics.EventIngested(kind, "control")
		if err := a.dispatcher.StartWatch(e.Token); err != nil {
			a.logger.Warn("watch start rejected", "error", err)
		}
	case *model.WatchStop:
		a.metrics.EventIngested(kind, "control")
		if err := a.dispatcher.StopWatch(e.SubscriberID, e.EncounterID); err != nil && !errors.Is(err, dispatch.ErrNoWatch) {
			a.logger.Warn("watch stop failed", "subscriber", e.SubscriberID, "error", err)
		}
	case model.Located:
		if a.dedup.Seen(e.Fingerprint()) {
			a.metrics.EventIngested(kind, "duplicate")
			return
		}
		a.metrics.EventIngested(kind, "accepted")
		a.dispatcher.Publish(ev)
	default:
		a.metrics.EventIngested(kind, "ignored")
	}
}

// goReload reloads one subscriber without blocking the ingress path.
func (a *App) goReload(id int64) {
	if a.ctx.Err() != nil {
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		state, err := a.loop.Reload(ctx, id)
		if err != nil {
			a.logger.Warn("reload failed", "subscriber", id, "state", state, "error", err)
			return
		}
		a.logger.Info("subscriber reloaded", "subscriber", id, "state", state)
	}()
}

func ingestionError(source string, payload []byte, cause error) model.IngestionError {
	return model.IngestionError{
		Source:  source,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}
}

// recordIngestionErrors persists entries in one write off the ingress path.
func (a *App) recordIngestionErrors(entries ...model.IngestionError) {
	if a.store == nil || len(entries) == 0 || a.ctx.Err() != nil {
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		defer cancel()
		if err := a.store.InsertIngestionErrors(ctx, entries); err != nil {
			a.logger.Error("failed to persist ingestion errors", "count", len(entries), "error", err)
		}
	}()
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
