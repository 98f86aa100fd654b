package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/waybill/internal/httpapi"
	"github.com/jacentio/waybill/internal/ledger"
	"github.com/jacentio/waybill/internal/metrics"
	"github.com/jacentio/waybill/internal/persistence/memory"
	"github.com/jacentio/waybill/lifecycle"
	"github.com/jacentio/waybill/store"
)

func newServer(t *testing.T, opts httpapi.Options) *httptest.Server {
	t.Helper()
	c := lifecycle.New(memory.NewStore(), lifecycle.WithClock(ledger.NewManualClock(1000)))
	srv := httptest.NewServer(httpapi.New(c, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_FullCustodyTrail(t *testing.T) {
	srv := newServer(t, httpapi.Options{})

	resp := do(t, http.MethodPost, srv.URL+"/v1/products",
		`{"name":"Widget","manufacturer":"Acme","location":"Factory"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]uint64{"product_id": 1}, decode[map[string]uint64](t, resp))

	resp = do(t, http.MethodPost, srv.URL+"/v1/products/1/steps",
		`{"location":"Warehouse","handler":"Bob","notes":"ok"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]uint64{"step_id": 1}, decode[map[string]uint64](t, resp))

	resp = do(t, http.MethodPost, srv.URL+"/v1/products/1/delivery", `{"consumer_location":"Home"}`, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/products/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.Product{
		ID:              1,
		Name:            "Widget",
		Manufacturer:    "Acme",
		CurrentLocation: "Home",
		Status:          store.StatusDelivered,
		Timestamp:       1000,
	}, decode[store.Product](t, resp))

	resp = do(t, http.MethodGet, srv.URL+"/v1/steps/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.SupplyStep{
		ID:        1,
		ProductID: 1,
		Location:  "Warehouse",
		Handler:   "Bob",
		Notes:     "ok",
		Timestamp: 1000,
	}, decode[store.SupplyStep](t, resp))
}

func TestServer_UnknownProductReturnsSentinel(t *testing.T) {
	srv := newServer(t, httpapi.Options{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/products/42", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.NotFoundProduct(), decode[store.Product](t, resp))
}

func TestServer_ErrorStatuses(t *testing.T) {
	srv := newServer(t, httpapi.Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"deliver unknown product", http.MethodPost, "/v1/products/9/delivery", `{"consumer_location":"Home"}`, http.StatusNotFound},
		{"unknown step", http.MethodGet, "/v1/steps/3", "", http.StatusNotFound},
		{"non-numeric product id", http.MethodGet, "/v1/products/abc", "", http.StatusBadRequest},
		{"negative step id", http.MethodGet, "/v1/steps/-1", "", http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/v1/products", `{"name":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/products", `{"colour":"red"}`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/v1/products/1", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_OrphanStepAccepted(t *testing.T) {
	srv := newServer(t, httpapi.Options{})

	resp := do(t, http.MethodPost, srv.URL+"/v1/products/77/steps", `{"location":"Dock"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]uint64{"step_id": 1}, decode[map[string]uint64](t, resp))
}

type stubLifecycle struct {
	httpapi.Lifecycle
	err error
}

func (s stubLifecycle) RegisterProduct(context.Context, string, string, string) (uint64, error) {
	return 0, s.err
}

func TestServer_StoreErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", store.ErrConcurrentModification, http.StatusConflict},
		{"duplicate", store.ErrAlreadyExists, http.StatusConflict},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := httpapi.New(stubLifecycle{err: tt.err}, httpapi.Options{}).Handler()
			srv := httptest.NewServer(h)
			defer srv.Close()

			resp := do(t, http.MethodPost, srv.URL+"/v1/products", `{}`, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, resp.Header.Get(httpapi.RequestIDHeader), body["request_id"])
		})
	}
}

func TestServer_BearerAuthGuardsWrites(t *testing.T) {
	srv := newServer(t, httpapi.Options{AuthToken: "s3cret"})
	body := `{"name":"Widget","manufacturer":"Acme","location":"Factory"}`

	resp := do(t, http.MethodPost, srv.URL+"/v1/products", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = do(t, http.MethodPost, srv.URL+"/v1/products", body, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/products", body, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Reads stay open
	resp = do(t, http.MethodGet, srv.URL+"/v1/products/1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RequestID(t *testing.T) {
	srv := newServer(t, httpapi.Options{})

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", http.Header{httpapi.RequestIDHeader: {"req-123"}})
	assert.Equal(t, "req-123", resp.Header.Get(httpapi.RequestIDHeader))

	resp = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Len(t, resp.Header.Get(httpapi.RequestIDHeader), 36)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := lifecycle.New(memory.NewStore(), lifecycle.WithMetrics(m))
	srv := httptest.NewServer(httpapi.New(c, httpapi.Options{Gatherer: reg}).Handler())
	defer srv.Close()

	resp := do(t, http.MethodPost, srv.URL+"/v1/products", `{"name":"Widget"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `waybill_operations_total{operation="register_product",outcome="ok"} 1`)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	c := lifecycle.New(memory.NewStore())
	s := httpapi.New(c, httpapi.Options{ShutdownTimeout: time.Second})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
