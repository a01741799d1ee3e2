package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omfs/api/internal/config"
	"omfs/api/internal/logging"
	"omfs/api/internal/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	svc := New(config.Config{}, store.NewMemoryStore(), Options{Logger: logging.Nop()})
	return NewHTTPServer(svc, "*", logging.Nop()).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), rr.Body.String())
	}
	return rr, payload
}

func createViaHTTP(t *testing.T, h http.Handler, body map[string]any) map[string]any {
	t.Helper()
	rr, payload := doJSON(t, h, http.MethodPost, "/api/content/blocks", body, "X-User-Name", "ana")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return payload
}

func TestBlockLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rr, tag := doJSON(t, h, http.MethodPost, "/api/content/tags", map[string]any{"name": "pricing", "color": "#f00"})
	require.Equal(t, http.StatusCreated, rr.Code)
	tagID := tag["id"].(string)

	block := createViaHTTP(t, h, map[string]any{
		"title":            "Fees",
		"content":          "<p>Fixed fee</p>",
		"section_type":     "pricing",
		"context_metadata": map[string]any{"industry": "health"},
		"tag_ids":          []string{tagID},
	})
	id := block["id"].(string)
	assert.Equal(t, "ana", block["created_by"])
	assert.Equal(t, float64(1), block["version"])
	assert.Equal(t, map[string]any{"changes": []any{}}, block["tracked_changes_metadata"])
	require.Len(t, block["tags"], 1)

	rr, updated := doJSON(t, h, http.MethodPut, "/api/content/blocks/"+id,
		map[string]any{"title": "Fees v2", "expected_version": 1}, "X-User-Name", "bo")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Fees v2", updated["title"])
	assert.Equal(t, "bo", updated["updated_by"])
	assert.Equal(t, float64(2), updated["version"])

	rr, conflict := doJSON(t, h, http.MethodPut, "/api/content/blocks/"+id,
		map[string]any{"title": "stale"}, "If-Match", `"1"`)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONFLICT", conflict["code"])

	rr, list := doJSON(t, h, http.MethodGet, "/api/content/blocks/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := list["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "Fees", first["title"])
	assert.Equal(t, []any{"pricing"}, first["tags_snapshot"])

	rr, reverted := doJSON(t, h, http.MethodPost, "/api/content/blocks/"+id+"/revert/"+first["id"].(string), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Fees", reverted["title"])

	rr, _ = doJSON(t, h, http.MethodDelete, "/api/content/blocks/"+id, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr, missing := doJSON(t, h, http.MethodGet, "/api/content/blocks/"+id, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", missing["code"])

	rr, tags := doJSON(t, h, http.MethodGet, "/api/content/tags", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	tagItems := tags["items"].([]any)
	require.Len(t, tagItems, 1)
	assert.Equal(t, float64(0), tagItems[0].(map[string]any)["usage_count"])
}

func TestUpdateRejectsUnknownFields(t *testing.T) {
	h := newTestServer(t)
	block := createViaHTTP(t, h, map[string]any{"title": "t", "content": "<p>x</p>", "section_type": "s"})

	rr, payload := doJSON(t, h, http.MethodPut, "/api/content/blocks/"+block["id"].(string), `{"titel":"typo"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
	assert.Equal(t, map[string]any{"field": "titel"}, payload["details"])

	rr, payload = doJSON(t, h, http.MethodPut, "/api/content/blocks/"+block["id"].(string), `{"title":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid JSON body", payload["error"])
}

func TestTrackChangesOverHTTP(t *testing.T) {
	h := newTestServer(t)
	block := createViaHTTP(t, h, map[string]any{"title": "t", "content": "<p>Hello world</p>", "section_type": "s"})
	id := block["id"].(string)
	base := "/api/content/blocks/" + id + "/track-changes"

	rr, enabled := doJSON(t, h, http.MethodPost, base+"/enable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, enabled["track_changes_enabled"])

	rr, _ = doJSON(t, h, http.MethodPut, "/api/content/blocks/"+id, map[string]any{
		"content": trackedBody,
		"tracked_changes_metadata": map[string]any{"changes": []map[string]any{
			{"id": "c1", "kind": "insert", "status": "pending", "author": "ana"},
			{"id": "c2", "kind": "delete", "status": "pending"},
		}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, state := doJSON(t, h, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{"c1", "c2"}, state["marker_ids"])
	assert.Equal(t, true, state["consistent"])

	rr, resolved := doJSON(t, h, http.MethodPost, base+"/resolve", map[string]any{"change_ids": []string{"c2"}, "action": "accept"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []any{"c2"}, resolved["resolved"])
	assert.Equal(t, []any{}, resolved["skipped"])
	assert.Equal(t, []any{}, resolved["dropped"])
	require.Contains(t, resolved, "version")
	ledger := resolved["tracked_changes_metadata"].(map[string]any)["changes"].([]any)
	require.Len(t, ledger, 1)
	assert.Equal(t, map[string]any{"id": "c1", "kind": "insert", "status": "pending", "author": "ana"}, ledger[0])

	rr, again := doJSON(t, h, http.MethodPost, base+"/resolve", map[string]any{"change_ids": []string{"c2"}, "action": "accept"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{"c2"}, again["skipped"])
	assert.NotContains(t, again, "version")

	rr, bad := doJSON(t, h, http.MethodPost, base+"/resolve", map[string]any{"change_ids": []string{"c1"}, "action": "maybe"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", bad["code"])
}

func TestExportOverHTTP(t *testing.T) {
	h := newTestServer(t)
	block := createViaHTTP(t, h, map[string]any{"title": "Scope", "content": "<p>All of it</p>", "section_type": "scope"})
	id := block["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/content/blocks/"+id+"/export?format=html", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".html")
	assert.Contains(t, rr.Body.String(), "<p>All of it</p>")

	rr, payload := doJSON(t, h, http.MethodGet, "/api/content/blocks/"+id+"/export?format=pdf", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "EXPORT_UNAVAILABLE", payload["code"])
}

func TestSearchAndListOverHTTP(t *testing.T) {
	h := newTestServer(t)
	createViaHTTP(t, h, map[string]any{"title": "Security", "content": "<p>SOC 2 audited</p>", "section_type": "security"})
	createViaHTTP(t, h, map[string]any{"title": "Team", "content": "<p>Ten engineers</p>", "section_type": "team"})

	rr, found := doJSON(t, h, http.MethodGet, "/api/content/search?q=audited", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "store", found["engine"])
	require.Len(t, found["results"], 1)

	rr, _ = doJSON(t, h, http.MethodGet, "/api/content/search", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr, list := doJSON(t, h, http.MethodGet, "/api/content/blocks?section_type=team", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), list["total"])

	rr, _ = doJSON(t, h, http.MethodGet, "/api/content/blocks?limit=abc", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(t)
	rr, payload := doJSON(t, h, http.MethodGet, "/api/content/nope", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, _ = doJSON(t, h, http.MethodPatch, "/api/content/tags", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
