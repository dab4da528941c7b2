package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/see-spot/server/internal/dataset"
	"github.com/see-spot/server/internal/service"
	"github.com/see-spot/server/internal/session"
	"github.com/see-spot/server/internal/store"
)

func csvBytes(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	st := store.NewMem("test-bucket", t.TempDir())
	st.Put("ds1/processing_manifest.json", []byte(`{"spot_channels":["488","561"]}`))
	prefix := "ds1/image_spot_spectral_unmixing/"
	st.Put(prefix+"unmixed_spots_R3.csv", csvBytes(
		"chan,chan_spot_id,unmixed_chan",
		"488,1,488",
		"488,2,561",
	))
	st.Put(prefix+"mixed_spots_R3.csv", csvBytes(
		"chan,chan_spot_id,r,dist,valid_spot,chan_488_intensity,chan_561_intensity",
		"488,1,0.9,1.0,True,100,20",
		"488,2,0.8,2.0,True,90,30",
		"561,1,0.7,3.0,False,10,80",
	))

	datasets, err := dataset.New(dataset.Config{Store: st, CacheRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	svc := service.NewSpots(datasets, st, service.Options{
		FusedPathTemplate: "s3://test-bucket/ds1/fused",
	})
	mgr, err := session.NewManager(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.Close() })

	return NewRouter(RouterConfig{
		Spots:          svc,
		Sessions:       mgr,
		Datasets:       []string{"ds1"},
		DefaultDataset: "ds1",
		CORSOrigins:    []string{"*"},
	})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/api/datasets", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Default  string   `json:"default"`
		Datasets []string `json:"datasets"`
	}
	decodeJSON(t, w, &resp)
	if resp.Default != "ds1" || len(resp.Datasets) != 1 {
		t.Fatalf("datasets = %+v", resp)
	}
}

func TestSpotsEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/d/ds1/api/spots?sample_size=100&seed=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		SpotsData  []map[string]any `json:"spots_data"`
		TotalSpots int              `json:"total_spots"`
		Channels   []string         `json:"channels"`
	}
	decodeJSON(t, w, &resp)
	if resp.TotalSpots != 3 || len(resp.SpotsData) != 3 {
		t.Fatalf("spots = %+v", resp)
	}
	if len(resp.Channels) != 2 {
		t.Fatalf("channels = %v", resp.Channels)
	}
}

func TestFlowEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/d/ds1/api/flow", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Nodes []any `json:"nodes"`
		Links []any `json:"links"`
	}
	decodeJSON(t, w, &resp)
	// Three spots sit below the minimum flow threshold, so no links survive.
	if len(resp.Links) != 0 {
		t.Fatalf("links = %d, want 0", len(resp.Links))
	}
}

func TestUnknownDatasetRejected(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/d/nope/api/spots", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestViewerLinkEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/viewer-link", map[string]any{
		"fused_s3_paths":   []string{"s3://b/ds1/fused/channel_488.zarr"},
		"position":         []float64{10, 20, 30, 0},
		"point_annotation": []float64{10, 20, 30},
		"spot_id":          "42",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	if !strings.Contains(resp["url"], "#!") {
		t.Fatalf("url = %q", resp["url"])
	}

	// Missing required fields are a client error.
	w = doRequest(t, router, "POST", "/api/viewer-link", map[string]any{
		"spot_id": "42",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestStoreHealthEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(t), "GET", "/api/store/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Reachable bool `json:"reachable"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Reachable {
		t.Fatal("store should be reachable")
	}
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(t, router, "POST", "/api/sessions/", map[string]string{"username": "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID      string `json:"session_id"`
		Dataset string `json:"dataset"`
	}
	decodeJSON(t, w, &created)
	if created.ID == "" || created.Dataset != "ds1" {
		t.Fatalf("created = %+v", created)
	}

	w = doRequest(t, router, "GET", "/api/sessions/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doRequest(t, router, "PUT", "/api/sessions/"+created.ID+"/dataset", map[string]string{"dataset": "ds1"})
	if w.Code != http.StatusOK {
		t.Fatalf("set dataset status = %d: %s", w.Code, w.Body.String())
	}

	// A dataset outside the allowed list is rejected.
	w = doRequest(t, router, "PUT", "/api/sessions/"+created.ID+"/dataset", map[string]string{"dataset": "nope"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	w = doRequest(t, router, "GET", "/api/sessions/unknown-id", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", w.Code)
	}

	// Missing username is a client error.
	w = doRequest(t, router, "POST", "/api/sessions/", map[string]string{"username": "  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
