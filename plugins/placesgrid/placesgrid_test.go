package placesgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type memStorage struct {
	mu      sync.Mutex
	records map[string][]byte
	cps     []store.Checkpoint
}

func newMemStorage() *memStorage {
	return &memStorage{records: map[string][]byte{}}
}

func (m *memStorage) EnsureTable(ctx context.Context, table string) error { return nil }

func (m *memStorage) UpsertRecord(ctx context.Context, table, externalID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[table+"/"+externalID] = payload
	return nil
}

func (m *memStorage) AppendCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps = append(m.cps, cp)
	return nil
}

func (m *memStorage) ListCheckpoints(ctx context.Context, region string) ([]store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Checkpoint
	for _, cp := range m.cps {
		if cp.Region == region {
			out = append(out, cp)
		}
	}
	return out, nil
}

// searchServer answers every cell query with one place whose id depends on
// the queried coordinates.
func searchServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lat := r.URL.Query().Get("lat")
		lon := r.URL.Query().Get("lon")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"places": []map[string]any{
				{"id": fmt.Sprintf("pl-%s-%s", lat, lon), "name": "spot"},
			},
		})
	}))
}

func newEnv(srv *httptest.Server, st *memStorage) *scraper.Env {
	return &scraper.Env{
		TaskID:      1,
		ExecutionID: 1,
		Namespace:   "task_1",
		Config: map[string]any{
			"base_url":          srv.URL,
			"region":            "be",
			"lat_min":           50.0,
			"lat_max":           51.0,
			"lon_min":           3.0,
			"lon_max":           4.0,
			"spacing":           0.5,
			"min_delay_seconds": 0.0,
			"max_delay_seconds": 0.0,
		},
		HTTP:      srv.Client(),
		Storage:   st,
		Log:       &scraper.RunLog{},
		Logger:    logx.Nop(),
		StartedAt: time.Now(),
	}
}

func TestScrapeCrawlsGridAndCheckpoints(t *testing.T) {
	srv := searchServer(t)
	defer srv.Close()
	st := newMemStorage()
	env := newEnv(srv, st)

	records, err := New(env).Scrape(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	// 2x2 grid, one distinct place per cell
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.cps) != 4 {
		t.Fatalf("%d checkpoints, want 4", len(st.cps))
	}
	if len(st.records) != 4 {
		t.Fatalf("%d records persisted, want 4", len(st.records))
	}
}

func TestScrapeResumesFromCheckpoints(t *testing.T) {
	srv := searchServer(t)
	defer srv.Close()
	st := newMemStorage()
	env := newEnv(srv, st)

	if _, err := New(env).Scrape(context.Background(), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// second run over the same region finds everything checkpointed
	records, err := New(env).Scrape(context.Background(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("resumed run re-fetched %d records, want 0", len(records))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.cps) != 4 {
		t.Fatalf("resumed run wrote %d extra checkpoints", len(st.cps)-4)
	}
}

func TestBeforeScrapeValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  map[string]any
	}{
		{"missing base_url", map[string]any{"lat_min": 0.0, "lat_max": 1.0, "lon_min": 0.0, "lon_max": 1.0}},
		{"empty grid", map[string]any{"base_url": "https://example.test"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := &scraper.Env{Config: tc.cfg, Log: &scraper.RunLog{}, Logger: logx.Nop()}
			p := New(env).(scraper.BeforeHook)
			if err := p.BeforeScrape(context.Background(), nil); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParamsOverrideConfigBounds(t *testing.T) {
	srv := searchServer(t)
	defer srv.Close()
	st := newMemStorage()
	env := newEnv(srv, st)

	// shrink the grid to a single cell via params
	params := scraper.Params{
		"lat_min": 50.0, "lat_max": 50.1,
		"lon_min": 3.0, "lon_max": 3.1,
	}
	records, err := New(env).Scrape(context.Background(), params)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
}
