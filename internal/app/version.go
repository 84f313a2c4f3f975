package app

import (
	"context"
	"time"

	"github.com/nappa85/Pokifications-sub000/internal/message"
	"github.com/nappa85/Pokifications-sub000/internal/store"
)

// announceVersion waits for the first reconcile pass, then tells every live
// subscriber about a version different from the last one announced. A fresh
// database only records the version.
func (a *App) announceVersion(ctx context.Context) {
	if a.version == "" {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-a.loop.Ready():
	}

	dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	last, ok, err := a.store.AppConfigValue(dbCtx, store.LastVersionKey)
	if err != nil {
		a.logger.Warn("load last version failed", "error", err)
		return
	}
	if last == a.version {
		return
	}

	notified := 0
	if ok {
		msg := &message.Version{Version: a.version, Notes: a.cfg.VersionNotes}
		for _, id := range a.dispatcher.Subscriptions() {
			if err := a.dispatcher.Notify(id, msg); err != nil {
				a.logger.Warn("version notice not queued", "subscriber", id, "error", err)
				continue
			}
			notified++
		}
	}

	if err := a.store.UpsertAppConfig(dbCtx, store.LastVersionKey, a.version); err != nil {
		a.logger.Warn("store last version failed", "error", err)
		return
	}
	a.logger.Info("version announced", "version", a.version, "previous", last, "subscribers", notified)
}
