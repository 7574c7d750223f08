package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/postpilot/postpilot/internal/repository"
)

const historyRetention = 90 * 24 * time.Hour

// HistoryPruneJob trims old publish_history rows. The table is an audit
// log; it only ever grows unless something prunes it.
type HistoryPruneJob struct {
	ph repository.PublishHistoryRepository
}

func NewHistoryPruneJob(ph repository.PublishHistoryRepository) *HistoryPruneJob {
	return &HistoryPruneJob{ph: ph}
}

func (j *HistoryPruneJob) Prune() {
	ctx := context.Background()

	cutoff := time.Now().Add(-historyRetention)
	removed, err := j.ph.PruneOlderThan(ctx, cutoff)
	if err != nil {
		slog.Info(err.Error())
		return
	}
	if removed > 0 {
		slog.Info("pruned publish history", "removed", removed)
	}
}
