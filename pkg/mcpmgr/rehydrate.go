package mcpmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RehydrationReport summarizes one rehydration run.
type RehydrationReport struct {
	// Restored lists servers whose session was reopened and refreshed, in
	// registration order.
	Restored []string `json:"restored"`
	// Demoted maps each server that could not be restored to the cause.
	Demoted map[string]string `json:"demoted"`
}

// Rehydrator revalidates servers that persisted state believes are
// connected. A run happens at most once per Rehydrator.
type Rehydrator struct {
	registry *Registry
	cache    *Cache
	logger   *slog.Logger
	timeout  time.Duration

	once   sync.Once
	report RehydrationReport
}

// NewRehydrator creates a Rehydrator over registry and cache.
func NewRehydrator(registry *Registry, cache *Cache, opts *ManagerOptions) *Rehydrator {
	o := opts.normalized()
	return &Rehydrator{registry: registry, cache: cache, logger: o.Logger, timeout: o.RehydrateTimeout}
}

// Run reattaches and refreshes every believed-connected server concurrently.
// Servers that fail are demoted with RestorationFailed and their catalogs
// evicted; one server's failure never affects another. Later calls return
// the first run's report.
func (h *Rehydrator) Run(ctx context.Context) RehydrationReport {
	h.once.Do(func() { h.report = h.run(ctx) })
	return h.report
}

func (h *Rehydrator) run(ctx context.Context) RehydrationReport {
	ids := h.registry.ConnectedIDs()
	ok := make([]bool, len(ids))
	causes := make([]string, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			err := h.registry.Reattach(sctx, id)
			if err == nil {
				err = h.cache.Refresh(sctx, id)
			}
			if err != nil {
				causes[i] = err.Error()
				h.registry.Demote(context.WithoutCancel(ctx), id, 0, RestorationFailed)
				h.cache.Evict(id)
				h.logger.Warn("server not restored", "server", id, "error", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	report := RehydrationReport{Restored: []string{}, Demoted: map[string]string{}}
	for i, id := range ids {
		if ok[i] {
			report.Restored = append(report.Restored, id)
		} else {
			report.Demoted[id] = causes[i]
		}
	}
	h.logger.Info("rehydration complete", "restored", len(report.Restored), "demoted", len(report.Demoted))
	return report
}
