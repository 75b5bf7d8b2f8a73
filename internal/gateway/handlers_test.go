package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyonions/overlay/internal/admission"
	"github.com/rustyonions/overlay/internal/dht"
	"github.com/rustyonions/overlay/internal/index"
	"github.com/rustyonions/overlay/internal/kernel"
	"github.com/rustyonions/overlay/internal/naming"
	"github.com/rustyonions/overlay/internal/storage"
)

type noProviders struct{}

func (noProviders) Providers(ctx context.Context, cid naming.ContentID, limit int) ([]dht.ProviderRecord, bool, error) {
	return nil, false, nil
}

func testGateway(t *testing.T) (*Gateway, *index.Resolver) {
	t.Helper()
	store := storage.NewMemStore(1 << 20)
	resolver := index.NewResolver(index.NewMemNameStore(), noProviders{}, time.Minute, 5)

	ready := kernel.NewReadiness(kernel.GateConfig, kernel.GateStorage)
	ready.Set(kernel.GateConfig, true)
	ready.Set(kernel.GateStorage, true)

	gate := admission.NewReadyGate(1000, 99, 100*time.Millisecond)
	pipeline := admission.NewPipeline(admission.Config{
		RequestTimeout: 2 * time.Second,
		MaxInflight:    16,
		RPS:            1000,
		Burst:          1000,
		MaxBodyBytes:   1 << 20,
	}, gate)

	gw := New(Config{
		SeedToken: "sekrit",
		Version:   VersionInfo{Service: "gatewayd", Version: "test", Schema: "oap/1"},
	}, store, resolver, ready, gate, pipeline)
	return gw, resolver
}

func TestPutHeadGetRange_EndToEnd(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	body := "hello world"
	wantCID := string(naming.NewContentID([]byte(body)))

	// PUT
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/o", bytes.NewReader([]byte(body)))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var put struct {
		CID  string `json:"cid"`
		Len  int64  `json:"len"`
		ETag string `json:"etag"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&put))
	resp.Body.Close()
	assert.Equal(t, wantCID, put.CID)
	assert.Equal(t, int64(11), put.Len)
	assert.Equal(t, `"`+wantCID+`"`, put.ETag)

	// HEAD
	req, _ = http.NewRequest(http.MethodHead, srv.URL+"/o/"+wantCID, nil)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	assert.Equal(t, `"`+wantCID+`"`, resp.Header.Get("ETag"))

	// GET
	resp, err = srv.Client().Get(srv.URL + "/o/" + wantCID)
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(got))
	assert.Equal(t, immutableCacheControl, resp.Header.Get("Cache-Control"))

	// Ranged GET
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/o/"+wantCID, nil)
	req.Header.Set("Range", "bytes=0-4")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	got, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, "bytes 0-4/11", resp.Header.Get("Content-Range"))
}

func TestGet_UnknownCID(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/o/" + string(naming.NewContentID([]byte("missing"))))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env admission.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, admission.CodeNotFound, env.Code)
	assert.False(t, env.Retryable)
}

func TestGet_UnsatisfiableRange(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	body := "short"
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/o", bytes.NewReader([]byte(body)))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	cid := string(naming.NewContentID([]byte(body)))
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/o/"+cid, nil)
	req.Header.Set("Range", "bytes=10-20")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

func TestNameResolution_ThroughGateway(t *testing.T) {
	gw, resolver := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	// Store an object and bind a name to it.
	body := "named object"
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/o", bytes.NewReader([]byte(body)))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	cid := naming.NewContentID([]byte(body))
	_, _, err = resolver.Seed(context.Background(), "demo.example", string(cid))
	require.NoError(t, err)

	resp, err = srv.Client().Get(srv.URL + "/o/demo.example")
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(got))

	// Unknown names are 404, not synthesized.
	resp, err = srv.Client().Get(srv.URL + "/o/unknown.example")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminSeed_RequiresToken(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	cid := string(naming.NewContentID([]byte("x")))
	payload, _ := json.Marshal(map[string]string{"name": "name:seeded.example", "cid": cid})

	// Missing token.
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/admin/seed", bytes.NewReader(payload))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/admin/seed", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct token.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/admin/seed", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "seeded.example", out["name"])
}

func TestReadyz_Truthful(t *testing.T) {
	store := storage.NewMemStore(1 << 20)
	resolver := index.NewResolver(index.NewMemNameStore(), noProviders{}, time.Minute, 5)
	ready := kernel.NewReadiness(kernel.GateConfig, kernel.GateStorage)
	gate := admission.NewReadyGate(1000, 99, 100*time.Millisecond)
	pipeline := admission.NewPipeline(admission.Config{RequestTimeout: time.Second, MaxInflight: 4, RPS: 100, Burst: 100, MaxBodyBytes: 1024}, gate)
	gw := New(Config{}, store, resolver, ready, gate, pipeline)

	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	// Gates down: 503 with missing list and Retry-After.
	resp, err := srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var body struct {
		Ready   bool     `json:"ready"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.False(t, body.Ready)
	assert.Contains(t, body.Missing, kernel.GateConfig)

	// All gates up: 200.
	ready.Set(kernel.GateConfig, true)
	ready.Set(kernel.GateStorage, true)
	resp, err = srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// healthz answers 200 regardless.
	resp, err = srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVersionEndpoint(t *testing.T) {
	gw, _ := testGateway(t)
	srv := httptest.NewServer(gw.Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v VersionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "gatewayd", v.Service)
	assert.Equal(t, "oap/1", v.Schema)
}

func TestParseByteRange(t *testing.T) {
	cases := []struct {
		hdr        string
		total      int64
		start, end int64
		ok         bool
	}{
		{"bytes=0-4", 11, 0, 4, true},
		{"bytes=6-", 11, 6, 10, true},
		{"bytes=-5", 11, 6, 10, true},
		{"bytes=0-100", 11, 0, 10, true}, // end clamped
		{"bytes=11-12", 11, 0, 0, false},
		{"bytes=5-2", 11, 0, 0, false},
		{"chunks=0-4", 11, 0, 0, false},
		{"bytes=0-2,4-6", 11, 0, 0, false},
		{"bytes=", 11, 0, 0, false},
	}
	for _, tc := range cases {
		s, e, err := parseByteRange(tc.hdr, tc.total)
		if !tc.ok {
			assert.Error(t, err, tc.hdr)
			continue
		}
		require.NoError(t, err, tc.hdr)
		assert.Equal(t, tc.start, s, tc.hdr)
		assert.Equal(t, tc.end, e, tc.hdr)
	}
}
