package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/njoerd114/tillsync/internal/model"
)

// Bootstrap hydrates a fresh install. When the local store is empty it copies
// every tracked collection from the remote store once, including push-only
// collections that regular passes never pull, and prints a summary.
type Bootstrap struct {
	local       LocalStore
	remote      RemoteStore
	collections []Collection
	log         *slog.Logger
	writer      io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap. A nil writer suppresses the summary.
func NewBootstrap(local LocalStore, remote RemoteStore, collections []Collection, logger *slog.Logger, writer io.Writer) *Bootstrap {
	if writer == nil {
		writer = io.Discard
	}
	return &Bootstrap{
		local:       local,
		remote:      remote,
		collections: collections,
		log:         logger,
		writer:      writer,
	}
}

// Run checks whether the local store is empty and, if so, hydrates it.
// Returns true if hydration was executed, false if skipped.
func (b *Bootstrap) Run(ctx context.Context) (bool, error) {
	empty, err := b.local.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("checking local store: %w", err)
	}
	if !empty {
		b.log.Debug("local store is not empty, skipping hydration")
		return false, nil
	}

	b.log.Info("empty local store detected, starting first-run hydration")
	start := time.Now()

	counts := make(map[string]int, len(b.collections))
	for _, c := range b.collections {
		entities, err := b.remote.GetAll(ctx, c.Name, model.Query{})
		if err != nil {
			return false, fmt.Errorf("fetching %s for hydration: %w", c.Name, err)
		}

		var live []*model.Entity
		var newest time.Time
		for _, e := range entities {
			if e.UpdatedAt.After(newest) {
				newest = e.UpdatedAt
			}
			if !e.Deleted() {
				live = append(live, e)
			}
		}
		if err := b.local.Upsert(ctx, c.Name, live...); err != nil {
			return false, fmt.Errorf("writing %s: %w", c.Name, err)
		}
		if !newest.IsZero() {
			if err := b.local.SetCursor(ctx, model.Cursor{Collection: c.Name, LastPulledAt: newest}); err != nil {
				return false, fmt.Errorf("writing %s cursor: %w", c.Name, err)
			}
		}
		counts[c.Name] = len(live)
		b.log.Debug("collection hydrated", "collection", c.Name, "entities", len(live))
	}

	b.printSummary(counts)
	b.log.Info("hydration complete", "duration", time.Since(start).Round(time.Millisecond))
	return true, nil
}

// printSummary writes a human-readable summary of what was copied.
func (b *Bootstrap) printSummary(counts map[string]int) {
	total := 0
	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Hydration Summary ---\n\n")
	for _, c := range b.collections {
		n := counts[c.Name]
		total += n
		_, _ = fmt.Fprintf(b.writer, "  %-12s %d\n", c.Name, n)
	}
	_, _ = fmt.Fprintf(b.writer, "\nTotal: %d entities copied\n", total)
}
