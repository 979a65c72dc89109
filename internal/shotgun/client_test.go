package shotgun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "sgcache", "secret")
	c.MaxElapsedTime = 100 * time.Millisecond
	return c
}

func TestCallSendsAuthAndDecodesResults(t *testing.T) {
	var got rpcRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api3/json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{"ok": true}})
	})

	var out map[string]any
	require.NoError(t, client.Call(context.Background(), "info", nil, &out))
	assert.Equal(t, "info", got.MethodName)
	require.Len(t, got.Params, 1)
	auth := got.Params[0].(map[string]any)
	assert.Equal(t, "sgcache", auth["script_name"])
	assert.Equal(t, "secret", auth["script_key"])
	assert.Equal(t, true, out["ok"])
}

func TestCallMapsFaults(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"exception": true, "error_code": 103, "message": "bad request",
		})
	})
	err := client.Call(context.Background(), "read", map[string]any{}, nil)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 103, fault.Code)
	assert.Equal(t, "bad request", fault.Message)
}

func TestCallRetriesServerErrors(t *testing.T) {
	attempts := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": true})
	})
	var out bool
	require.NoError(t, client.Call(context.Background(), "info", nil, &out))
	assert.True(t, out)
	assert.Equal(t, 2, attempts)
}

func TestFindPagesUntilShortPage(t *testing.T) {
	var pages []int
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		payload := req.Params[1].(map[string]any)
		paging := payload["paging"].(map[string]any)
		page := int(paging["current_page"].(float64))
		pages = append(pages, page)

		entities := []any{}
		if page == 1 {
			entities = []any{
				map[string]any{"type": "Shot", "id": 1},
				map[string]any{"type": "Shot", "id": 2},
			}
		} else {
			entities = []any{map[string]any{"type": "Shot", "id": 3}}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{
			"entities": entities, "paging_info": map[string]any{"entity_count": 3},
		}})
	})

	entities, err := client.Find(context.Background(), "Shot", And(), []string{"id"},
		FindOptions{PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, entities, 3)
	assert.Equal(t, []int{1, 2}, pages)
}

func TestFindOne(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{
			"entities": []any{}, "paging_info": map[string]any{"entity_count": 0},
		}})
	})
	entity, err := client.FindOne(context.Background(), "Shot", And(), []string{"id"}, FindOptions{})
	require.NoError(t, err)
	assert.Nil(t, entity)
}

func TestParseBaseURL(t *testing.T) {
	url, err := ParseBaseURL("https://studio.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://studio.example.com", url)

	_, err = ParseBaseURL("ftp://nope")
	require.Error(t, err)
}
