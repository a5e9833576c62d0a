package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

// Checkpoints persists per-cell completion marks. Satisfied by the task's
// namespace storage handle.
type Checkpoints interface {
	AppendCheckpoint(ctx context.Context, cp store.Checkpoint) error
	ListCheckpoints(ctx context.Context, region string) ([]store.Checkpoint, error)
}

// Sink receives deduplicated records as they are found.
type Sink interface {
	UpsertRecord(ctx context.Context, table, externalID string, payload []byte) error
}

// Result is one record fetched from a cell.
type Result struct {
	ID      string
	Payload []byte
}

// FetchFunc retrieves the records inside one cell.
type FetchFunc func(ctx context.Context, cell Cell) ([]Result, error)

// EnrichFunc optionally replaces a result's payload with a detail fetch.
type EnrichFunc func(ctx context.Context, r Result) ([]byte, error)

// Config tunes one crawl run.
type Config struct {
	Region string
	Grid   Grid

	// Resume skips cells already checkpointed for this region.
	Resume bool

	// MinDelay and MaxDelay bound the random pause between cells.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Limiter, when set, additionally gates every fetch.
	Limiter *rate.Limiter

	// Table is the sink table for found records. Empty disables sinking.
	Table string

	// ReportEvery controls progress callback frequency, in cells.
	ReportEvery int
	// LogEvery controls run-log line frequency, in cells.
	LogEvery int
}

func (c Config) withDefaults() Config {
	if c.ReportEvery <= 0 {
		c.ReportEvery = 10
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	return c
}

// Stats summarizes a finished (or interrupted) run.
type Stats struct {
	CellsVisited int
	CellsSkipped int
	CellsFailed  int
	NewRecords   int
	Duplicates   int
}

// Crawler walks a grid, dedupes within the run, checkpoints per cell and
// reports progress. Zero-value optional fields are simply skipped.
type Crawler struct {
	Fetch       FetchFunc
	Enrich      EnrichFunc
	Checkpoints Checkpoints
	Sink        Sink

	// Progress reports cumulative new records plus a message.
	Progress func(items int, message string)
	// Logf appends a line to the execution's captured log.
	Logf func(format string, args ...any)

	Logger logx.Logger
}

// Run processes every cell of the grid. Cell-level failures (fetch errors,
// checkpoint write errors) are logged and skipped; only a cancelled context
// or an empty grid ends the run with an error. Stats are valid either way.
func (c *Crawler) Run(ctx context.Context, cfg Config) (Stats, error) {
	var stats Stats
	if c.Fetch == nil {
		return stats, errors.New("crawler requires a fetch function")
	}
	cfg = cfg.withDefaults()
	log := c.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	cells := cfg.Grid.Cells()
	if len(cells) == 0 {
		return stats, fmt.Errorf("grid produced no cells (region %q)", cfg.Region)
	}

	done := map[string]bool{}
	if cfg.Resume && c.Checkpoints != nil {
		cps, err := c.Checkpoints.ListCheckpoints(ctx, cfg.Region)
		if err != nil {
			return stats, fmt.Errorf("load checkpoints: %w", err)
		}
		for _, cp := range cps {
			done[cp.Cell] = true
		}
		c.logf("resuming region %s: %d of %d cells already processed",
			cfg.Region, len(done), len(cells))
	}

	seen := map[string]struct{}{}

	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if done[cell.Key()] {
			stats.CellsSkipped++
			continue
		}

		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}

		results, err := c.Fetch(ctx, cell)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.CellsFailed++
			c.logf("cell %s failed: %v", cell.Key(), err)
			log.Warn("cell fetch failed", logx.String("cell", cell.Key()), logx.Err(err))
			continue
		}

		newInCell := 0
		for _, r := range results {
			if r.ID == "" {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				stats.Duplicates++
				continue
			}
			seen[r.ID] = struct{}{}

			payload := r.Payload
			if c.Enrich != nil {
				if err := sleepRandom(ctx, cfg.MinDelay, cfg.MaxDelay); err != nil {
					return stats, err
				}
				enriched, err := c.Enrich(ctx, r)
				if err != nil {
					c.logf("enrich %s failed, keeping summary payload: %v", r.ID, err)
				} else {
					payload = enriched
				}
			}

			if c.Sink != nil && cfg.Table != "" {
				if err := c.Sink.UpsertRecord(ctx, cfg.Table, r.ID, payload); err != nil {
					c.logf("upsert %s failed: %v", r.ID, err)
					log.Warn("record upsert failed", logx.String("id", r.ID), logx.Err(err))
					continue
				}
			}
			newInCell++
			stats.NewRecords++
		}
		stats.CellsVisited++

		// Checkpoint failures must not abort the crawl; the cell is simply
		// revisited on the next resumed run.
		if c.Checkpoints != nil {
			cp := store.Checkpoint{
				Region:       cfg.Region,
				Cell:         cell.Key(),
				RecordsFound: newInCell,
				ProcessedAt:  time.Now().UTC(),
			}
			if err := c.Checkpoints.AppendCheckpoint(ctx, cp); err != nil {
				c.logf("checkpoint %s failed: %v", cell.Key(), err)
				log.Warn("checkpoint write failed", logx.String("cell", cell.Key()), logx.Err(err))
			}
		}

		if stats.CellsVisited%cfg.ReportEvery == 0 && c.Progress != nil {
			c.Progress(stats.NewRecords, fmt.Sprintf("cell %d/%d in %s", i+1, len(cells), cfg.Region))
		}
		if stats.CellsVisited%cfg.LogEvery == 0 {
			c.logf("progress: %d/%d cells, %d records", i+1, len(cells), stats.NewRecords)
		}

		if i < len(cells)-1 {
			if err := sleepRandom(ctx, cfg.MinDelay, cfg.MaxDelay); err != nil {
				return stats, err
			}
		}
	}

	c.logf("region %s done: %d cells visited, %d skipped, %d failed, %d records, %d duplicates",
		cfg.Region, stats.CellsVisited, stats.CellsSkipped, stats.CellsFailed,
		stats.NewRecords, stats.Duplicates)
	if c.Progress != nil {
		c.Progress(stats.NewRecords, fmt.Sprintf("region %s complete", cfg.Region))
	}
	return stats, nil
}

func (c *Crawler) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// sleepRandom pauses for a uniformly random duration in [min, max],
// returning early if the context is cancelled.
func sleepRandom(ctx context.Context, min, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
