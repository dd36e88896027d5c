package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostlinkhq/hostlink/pkg/task"
)

const sweepLogPrefix = "dispatcher:sweep"

// ExpirePending fails every task that has sat in auth_required longer than
// ttl. Users abandon authorization flows; without the sweep those tasks
// would stay suspended forever. Returns the number of tasks failed. A ttl
// of zero disables the sweep, and a store without listing support makes it
// a no-op.
func (d *Dispatcher) ExpirePending(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	lister, ok := d.tasks.(task.StaleLister)
	if !ok {
		return 0, nil
	}

	stale, err := lister.ListByStatusOlderThan(ctx, task.StatusAuthRequired, d.now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("%s - failed to list stale tasks: %w", sweepLogPrefix, err)
	}

	expired := 0
	for _, t := range stale {
		if err := d.tasks.UpdateStatus(ctx, t.ID, task.StatusFailed); err != nil {
			// A concurrent resume may have moved the task on; skip it.
			slog.Warn(fmt.Sprintf("%s - could not expire task %s: %v", sweepLogPrefix, t.ID, err))
			continue
		}
		d.publish(ctx, t, task.StatusAuthRequired, task.StatusFailed)
		expired++
	}

	if expired > 0 {
		slog.Info(fmt.Sprintf("%s - expired %d tasks pending authorization longer than %s",
			sweepLogPrefix, expired, ttl))
	}
	return expired, nil
}
