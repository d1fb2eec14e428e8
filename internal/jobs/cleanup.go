package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionEvicter drops pairing sessions past their TTL plus grace.
type SessionEvicter interface {
	EvictExpired(ctx context.Context) (int, error)
}

// StaleScreenPruner drops paired screen records not seen since a cutoff.
type StaleScreenPruner interface {
	DeleteStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type CleanupJob struct {
	sessions  SessionEvicter
	screens   StaleScreenPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
}

// NewCleanupJob builds the periodic eviction job. screens may be nil when no
// database is configured.
func NewCleanupJob(
	sessions SessionEvicter,
	screens StaleScreenPruner,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessions:  sessions,
		screens:   screens,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "pairing sessions", func(ctx context.Context) (int64, error) {
		n, err := j.sessions.EvictExpired(ctx)
		return int64(n), err
	})
	if j.screens != nil {
		cutoff := j.now().Add(-j.retention)
		j.runCleanup(ctx, "paired screens", func(ctx context.Context) (int64, error) {
			return j.screens.DeleteStale(ctx, cutoff)
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
