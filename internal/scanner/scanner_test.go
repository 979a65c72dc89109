package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westernx/sgcache/internal/cache"
	"github.com/westernx/sgcache/internal/schema"
	"github.com/westernx/sgcache/internal/shotgun"
)

const scannerSchema = `
Shot:
  code: text
  updated_at: date_time
  project: {data_type: entity, entity_types: [Project]}
Project:
  name: text
HumanUser:
  login: text
`

// fakeScanSource records the read requests it sees and serves fixture
// rows, split by activity.
type fakeScanSource struct {
	t *testing.T

	mu       sync.Mutex
	active   map[string][]shotgun.Entity
	retired  map[string][]shotgun.Entity
	requests []shotgun.ReadRequest
}

func (f *fakeScanSource) handle(w http.ResponseWriter, r *http.Request) {
	var call struct {
		MethodName string            `json:"method_name"`
		Params     []json.RawMessage `json:"params"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&call))
	require.Equal(f.t, "read", call.MethodName)
	var req shotgun.ReadRequest
	require.NoError(f.t, json.Unmarshal(call.Params[1], &req))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	source := f.active
	if req.ReturnOnly == "retired" {
		source = f.retired
	}
	entities := source[req.Type]
	if entities == nil {
		entities = []shotgun.Entity{}
	}
	json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{
		"entities": entities, "paging_info": map[string]any{"entity_count": len(entities)},
	}})
}

func newScannerTest(t *testing.T, opts Options) (*cache.Cache, *fakeScanSource, *Scanner) {
	t.Helper()
	sch, err := schema.Parse([]byte(scannerSchema))
	require.NoError(t, err)
	c, err := cache.Open(context.Background(), ":memory:", sch, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	source := &fakeScanSource{
		t:       t,
		active:  map[string][]shotgun.Entity{},
		retired: map[string][]shotgun.Entity{},
	}
	srv := httptest.NewServer(http.HandlerFunc(source.handle))
	t.Cleanup(srv.Close)
	client := shotgun.NewClient(srv.URL, "sgcache", "secret")
	client.MaxElapsedTime = 100 * time.Millisecond

	return c, source, New(c, client, opts, nil)
}

func TestScanUpsertsActiveAndRetired(t *testing.T) {
	c, source, sc := newScannerTest(t, Options{Types: []string{"Shot"}})
	ctx := context.Background()

	source.active["Shot"] = []shotgun.Entity{
		{"type": "Shot", "id": int64(1), "code": "sh_010"},
		{"type": "Shot", "id": int64(2), "code": "sh_020"},
	}
	source.retired["Shot"] = []shotgun.Entity{
		{"type": "Shot", "id": int64(3), "code": "sh_030"},
	}

	require.NoError(t, sc.Scan(ctx, time.Time{}))

	n, err := c.CountActive(ctx, "Shot")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	exists, err := c.Exists(ctx, "Shot", 3)
	require.NoError(t, err)
	assert.True(t, exists, "retired rows are cached, just inactive")
}

func TestScanSinceFiltersOnUpdatedAt(t *testing.T) {
	_, source, sc := newScannerTest(t, Options{Types: []string{"Shot"}})

	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sc.Scan(context.Background(), since))

	require.NotEmpty(t, source.requests)
	cond := source.requests[0].Filters.Conditions[0]
	assert.Equal(t, "updated_at", cond.Path)
	assert.Equal(t, "greater_than", cond.Relation)
	assert.Equal(t, "2026-08-01T12:00:00Z", cond.Values[0])
}

func TestScanProjectNarrowingSkipsUserTypes(t *testing.T) {
	_, source, sc := newScannerTest(t, Options{
		Types:    []string{"Shot", "HumanUser"},
		Projects: []int64{77},
	})
	require.NoError(t, sc.Scan(context.Background(), time.Time{}))

	byType := map[string][]shotgun.ReadRequest{}
	for _, req := range source.requests {
		byType[req.Type] = append(byType[req.Type], req)
	}
	require.NotEmpty(t, byType["Shot"])
	require.NotEmpty(t, byType["HumanUser"])

	shotCond := byType["Shot"][0].Filters.Conditions
	require.Len(t, shotCond, 1)
	assert.Equal(t, "project", shotCond[0].Path)
	assert.Equal(t, "in", shotCond[0].Relation)

	assert.Empty(t, byType["HumanUser"][0].Filters.Conditions,
		"user types span projects and must not be narrowed")
}

func TestIterateAdvancesWatermark(t *testing.T) {
	_, source, sc := newScannerTest(t, Options{Types: []string{"Shot"}})
	require.True(t, sc.watermark.IsZero())

	before := time.Now().UTC()
	require.NoError(t, sc.Iterate(context.Background()))
	require.False(t, sc.watermark.IsZero())
	assert.True(t, sc.watermark.Before(before.Add(time.Minute)))
	assert.True(t, sc.watermark.After(before.Add(-time.Minute)))

	// The next pass filters on the new watermark.
	source.mu.Lock()
	source.requests = nil
	source.mu.Unlock()
	require.NoError(t, sc.Iterate(context.Background()))
	require.NotEmpty(t, source.requests)
	assert.Equal(t, "updated_at", source.requests[0].Filters.Conditions[0].Path)
}
