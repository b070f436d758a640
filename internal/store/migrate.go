package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vollawetscher/media-worker/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every .sql file under migrations/ in lexical order.
// It is not part of the core's remote-callable surface; it is here so the
// worker can bring up a throwaway local store for development without a
// separate migration tool, matching webinar_backend's embed.FS approach.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		logging.Info(logging.CategoryStore, "applied migration %s", name)
	}
	return nil
}
