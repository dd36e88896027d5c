package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearState truncates the tasks, sessions, and auth_requests tables; the
// schema is preserved. Development helper only — the serving path never
// deletes rows.
func ClearState(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Warn(fmt.Sprintf("%s - Truncating all orchestrator tables", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE tasks, sessions, auth_requests`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - State cleared", clearLogPrefix))
	return nil
}
