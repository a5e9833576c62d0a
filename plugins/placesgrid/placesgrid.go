// Package placesgrid collects point-of-interest listings from a search API
// that only answers location-bounded queries. The region is partitioned into
// a grid and crawled cell by cell with checkpoint resume, so a week-long
// crawl survives restarts.
package placesgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"harvestd/internal/crawl"
	"harvestd/internal/scraper"
)

const placesTable = "places"

type Plugin struct {
	env *scraper.Env
}

func New(env *scraper.Env) scraper.Scraper {
	return &Plugin{env: env}
}

func (p *Plugin) DeclareStorage() []scraper.TableSpec {
	return []scraper.TableSpec{{Name: placesTable}}
}

// BeforeScrape validates the task config before any network traffic.
func (p *Plugin) BeforeScrape(ctx context.Context, params scraper.Params) error {
	cfg := scraper.Params(p.env.Config)
	if cfg.String("base_url", "") == "" {
		return scraper.Errorf("validate config", "base_url is required")
	}
	g := p.grid(params)
	if len(g.Cells()) == 0 {
		return scraper.Errorf("validate config", "grid bounds produce no cells")
	}
	return nil
}

func (p *Plugin) grid(params scraper.Params) crawl.Grid {
	cfg := scraper.Params(p.env.Config)
	pick := func(key string, def float64) float64 {
		return params.Float(key, cfg.Float(key, def))
	}
	return crawl.Grid{
		LatMin:  pick("lat_min", 0),
		LatMax:  pick("lat_max", 0),
		LonMin:  pick("lon_min", 0),
		LonMax:  pick("lon_max", 0),
		Spacing: pick("spacing", 0.25),
	}
}

func (p *Plugin) Scrape(ctx context.Context, params scraper.Params) ([]scraper.Record, error) {
	cfg := scraper.Params(p.env.Config)
	baseURL := cfg.String("base_url", "")
	region := params.String("region", cfg.String("region", "default"))
	radiusKm := cfg.Float("radius_km", 20)

	var limiter *rate.Limiter
	if rps := cfg.Float("requests_per_second", 0); rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	collected := &collectSink{inner: p.env.Storage}

	c := &crawl.Crawler{
		Fetch: func(ctx context.Context, cell crawl.Cell) ([]crawl.Result, error) {
			return p.fetchCell(ctx, baseURL, cell, radiusKm)
		},
		Checkpoints: p.env.Storage,
		Sink:        collected,
		Progress:    p.env.ReportProgress,
		Logf:        p.env.Log.Infof,
		Logger:      p.env.Logger,
	}
	if cfg.String("detail_url", "") != "" {
		c.Enrich = func(ctx context.Context, r crawl.Result) ([]byte, error) {
			return p.fetchDetail(ctx, cfg.String("detail_url", ""), r.ID)
		}
	}

	stats, err := c.Run(ctx, crawl.Config{
		Region:   region,
		Grid:     p.grid(params),
		Resume:   params.Bool("resume", cfg.Bool("resume", true)),
		MinDelay: secondsOr(cfg, "min_delay_seconds", 1),
		MaxDelay: secondsOr(cfg, "max_delay_seconds", 3),
		Limiter:  limiter,
		Table:    placesTable,
	})
	if err != nil {
		return collected.records, scraper.Wrap("crawl "+region, err)
	}
	p.env.Log.Infof("region %s: %d new places, %d cells failed",
		region, stats.NewRecords, stats.CellsFailed)
	return collected.records, nil
}

func (p *Plugin) OnError(ctx context.Context, scrapeErr error, params scraper.Params) {
	p.env.Log.Errorf("crawl aborted: %v", scrapeErr)
}

func (p *Plugin) Close(ctx context.Context) error {
	p.env.HTTP.CloseIdleConnections()
	return nil
}

// fetchCell queries the search endpoint for one cell. The API is expected to
// answer {"places": [{...}, ...]} with an id field per place.
func (p *Plugin) fetchCell(ctx context.Context, baseURL string, cell crawl.Cell, radiusKm float64) ([]crawl.Result, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("lat", fmt.Sprintf("%.4f", cell.Lat))
	q.Set("lon", fmt.Sprintf("%.4f", cell.Lon))
	q.Set("radius_km", fmt.Sprintf("%.1f", radiusKm))
	u.RawQuery = q.Encode()

	body, err := p.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var payload struct {
		Places []map[string]any `json:"places"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]crawl.Result, 0, len(payload.Places))
	for _, place := range payload.Places {
		id, ok := scraper.Record(place).ExternalID()
		if !ok {
			continue
		}
		raw, err := json.Marshal(place)
		if err != nil {
			continue
		}
		results = append(results, crawl.Result{ID: id, Payload: raw})
	}
	return results, nil
}

func (p *Plugin) fetchDetail(ctx context.Context, detailURL, id string) ([]byte, error) {
	return p.get(ctx, detailURL+"/"+url.PathEscape(id))
}

func (p *Plugin) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.env.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func secondsOr(cfg scraper.Params, key string, def float64) time.Duration {
	return time.Duration(cfg.Float(key, def) * float64(time.Second))
}

// collectSink forwards upserts to the namespace storage and keeps the
// decoded records so Scrape can return them.
type collectSink struct {
	inner   scraper.Storage
	records []scraper.Record
}

func (s *collectSink) UpsertRecord(ctx context.Context, table, externalID string, payload []byte) error {
	if err := s.inner.UpsertRecord(ctx, table, externalID, payload); err != nil {
		return err
	}
	var rec scraper.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		rec = scraper.Record{"id": externalID}
	}
	s.records = append(s.records, rec)
	return nil
}
