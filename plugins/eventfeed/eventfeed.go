// Package eventfeed collects upcoming events from a paged JSON feed. Pages
// are walked until the feed reports no more results; the after-scrape hook
// persists everything into the task's events table.
package eventfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"harvestd/internal/scraper"
)

const eventsTable = "events"

type Plugin struct {
	env *scraper.Env
}

func New(env *scraper.Env) scraper.Scraper {
	return &Plugin{env: env}
}

func (p *Plugin) DeclareStorage() []scraper.TableSpec {
	return []scraper.TableSpec{{Name: eventsTable}}
}

func (p *Plugin) BeforeScrape(ctx context.Context, params scraper.Params) error {
	if scraper.Params(p.env.Config).String("base_url", "") == "" {
		return scraper.Errorf("validate config", "base_url is required")
	}
	return nil
}

func (p *Plugin) Scrape(ctx context.Context, params scraper.Params) ([]scraper.Record, error) {
	cfg := scraper.Params(p.env.Config)
	baseURL := cfg.String("base_url", "")
	pageSize := cfg.Int("page_size", 100)
	maxPages := cfg.Int("max_pages", 50)
	delay := time.Duration(cfg.Float("page_delay_seconds", 0.5) * float64(time.Second))

	seen := map[string]struct{}{}
	var out []scraper.Record

	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		events, hasMore, err := p.fetchPage(ctx, baseURL, page, pageSize)
		if err != nil {
			return out, scraper.Wrap(fmt.Sprintf("fetch page %d", page), err)
		}

		added := 0
		for _, ev := range events {
			id, ok := ev.ExternalID()
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, ev)
			added++
		}

		p.env.Log.Infof("page %d: %d events (%d new)", page, len(events), added)
		p.env.ReportProgress(len(out), "page "+strconv.Itoa(page))

		if !hasMore || len(events) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
	return out, nil
}

// AfterScrape persists the deduplicated events.
func (p *Plugin) AfterScrape(ctx context.Context, results []scraper.Record, params scraper.Params) error {
	for _, ev := range results {
		id, ok := ev.ExternalID()
		if !ok {
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return scraper.Wrap("encode event "+id, err)
		}
		if err := p.env.Storage.UpsertRecord(ctx, eventsTable, id, raw); err != nil {
			return scraper.Wrap("store event "+id, err)
		}
	}
	return nil
}

func (p *Plugin) OnError(ctx context.Context, scrapeErr error, params scraper.Params) {
	p.env.Log.Errorf("feed collection failed: %v", scrapeErr)
}

func (p *Plugin) Close(ctx context.Context) error {
	p.env.HTTP.CloseIdleConnections()
	return nil
}

func (p *Plugin) fetchPage(ctx context.Context, baseURL string, page, size int) ([]scraper.Record, bool, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, false, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := p.env.HTTP.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, false, err
	}

	var payload struct {
		Events  []map[string]any `json:"events"`
		HasMore bool             `json:"has_more"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("decode feed response: %w", err)
	}

	events := make([]scraper.Record, 0, len(payload.Events))
	for _, ev := range payload.Events {
		events = append(events, scraper.Record(ev))
	}
	return events, payload.HasMore, nil
}
