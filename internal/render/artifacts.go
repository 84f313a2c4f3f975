package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/nappa85/Pokifications-sub000/internal/flight"
)

// Defaults for artifact housekeeping.
const (
	DefaultReuse         = 10 * time.Minute
	DefaultHorizon       = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Artifacts stores rendered images under a directory. Concurrent requests
// for the same key share a single render.
type Artifacts struct {
	dir      string
	renderer Renderer
	logger   *slog.Logger
	inflight *flight.Expiring[string, string]

	Horizon       time.Duration
	SweepInterval time.Duration
}

// NewArtifacts creates dir if needed. Resolved paths are remembered for
// reuse; after that the next request checks the disk again.
func NewArtifacts(dir string, r Renderer, reuse time.Duration, logger *slog.Logger) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if reuse <= 0 {
		reuse = DefaultReuse
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{
		dir:           dir,
		renderer:      r,
		logger:        logger.With("component", "artifacts"),
		inflight:      flight.NewExpiring[string, string](reuse),
		Horizon:       DefaultHorizon,
		SweepInterval: DefaultSweepInterval,
	}, nil
}

// Path returns the file path used for key. The readable part is followed by
// a hash of the raw key, so keys that sanitize alike get distinct files.
func (a *Artifacts) Path(key string) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s-%016x.png", sanitize(key), xxh3.HashString(key)))
}

// Get returns the image for spec, rendering it at most once per key.
func (a *Artifacts) Get(ctx context.Context, spec Spec) ([]byte, error) {
	path, err := a.inflight.Get(ctx, spec.Key, func(ctx context.Context, key string) (string, error) {
		return a.produce(ctx, spec)
	})
	if err != nil {
		return nil, err
	}
	img, err := os.ReadFile(path)
	if err != nil {
		a.inflight.Forget(spec.Key)
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return img, nil
}

func (a *Artifacts) produce(ctx context.Context, spec Spec) (string, error) {
	path := a.Path(spec.Key)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	img, err := a.renderer.Render(ctx, spec)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(a.dir, ".render-*")
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := tmp.Write(img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store artifact: %w", err)
	}
	a.logger.Debug("artifact rendered", "key", spec.Key, "bytes", len(img))
	return path, nil
}

// Sweep removes artifacts last modified before now minus the horizon and
// returns how many were removed.
func (a *Artifacts) Sweep(now time.Time) (int, error) {
	cutoff := now.Add(-a.Horizon)
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Run starts the reuse expiry loop and sweeps the directory every
// SweepInterval until ctx is done.
func (a *Artifacts) Run(ctx context.Context) error {
	a.inflight.Start()
	defer a.inflight.Stop()

	ticker := time.NewTicker(a.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := a.Sweep(now)
			if err != nil {
				a.logger.Warn("artifact sweep failed", "error", err)
			}
			if n > 0 {
				a.logger.Info("artifacts swept", "removed", n)
			}
		}
	}
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, key)
}
