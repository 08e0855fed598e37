package snapshot

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Source produces snapshots on demand. The supervisor implements it.
type Source interface {
	Snapshot() *v1.Snapshot
}

// Snapshotter periodically captures and archives snapshots.
type Snapshotter struct {
	source   Source
	store    *Store
	logger   *logger.Logger
	interval time.Duration
}

// NewSnapshotter builds a periodic snapshotter. A non-positive interval
// disables the loop; Capture still works on demand.
func NewSnapshotter(source Source, store *Store, log *logger.Logger, interval time.Duration) *Snapshotter {
	return &Snapshotter{source: source, store: store, logger: log, interval: interval}
}

// Capture takes and archives one snapshot now.
func (s *Snapshotter) Capture(ctx context.Context) error {
	return s.store.Save(ctx, s.source.Snapshot())
}

// Run archives a snapshot every interval until the context is cancelled.
// A final capture is taken on shutdown.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.Save(final, s.source.Snapshot()); err != nil {
				s.logger.WithError(err).Warn("final snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Capture(ctx); err != nil {
				s.logger.WithError(err).Warn("periodic snapshot failed")
			}
		}
	}
}
