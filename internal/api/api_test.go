package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"gpuminer/internal/farm"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/telemetry"
)

type fakeFarm struct {
	mu      sync.Mutex
	work    []core.WorkPackage
	paused  bool
	healthy map[int]bool
	metrics *telemetry.Registry
}

func newFakeFarm() *fakeFarm {
	m := telemetry.NewRegistry()
	m.Set("gpuminer_hashrate_total", nil, 1234)
	return &fakeFarm{healthy: map[int]bool{0: true, 1: true}, metrics: m}
}

func (f *fakeFarm) Stats() farm.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return farm.Stats{
		ID:     "farm-1",
		Method: "cuda",
		Paused: f.paused,
		Miners: []farm.MinerStats{
			{Index: 0, Name: "cuda-0", State: "searching", Hashes: 10},
			{Index: 1, Name: "cuda-1", State: "searching", Hashes: 20},
		},
	}
}

func (f *fakeFarm) Devices() []gpu.Properties {
	return []gpu.Properties{{Ordinal: 0, Name: "sim"}, {Ordinal: 1, Name: "sim"}}
}

func (f *fakeFarm) HwMon(_ context.Context, index int) (core.HwSnapshot, error) {
	switch index {
	case 0:
		return core.HwSnapshot{Device: 0, TemperatureC: 61, Source: "sim"}, nil
	case 1:
		return core.HwSnapshot{}, errors.New("sensor unavailable")
	}
	return core.HwSnapshot{}, core.NewError(core.ErrCodeConfig, "no such worker")
}

func (f *fakeFarm) Healthy(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[index]
}

func (f *fakeFarm) SetWork(wp core.WorkPackage) error {
	if !wp.Valid() {
		return core.NewError(core.ErrCodeConfig, "work package has no header")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = append(f.work, wp)
	return nil
}

func (f *fakeFarm) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeFarm) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeFarm) Solutions() []core.Solution {
	return []core.Solution{{ID: "s1", Nonce: 7}}
}

func (f *fakeFarm) Metrics() *telemetry.Registry { return f.metrics }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFakeFarm()
	h := NewServer(":0", f).Handler()

	rec := do(t, h, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.healthy[1] = false
	rec = do(t, h, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Miners[1].Healthy)
}

func TestStatsAndDevices(t *testing.T) {
	h := NewServer(":0", newFakeFarm()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st farm.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Len(t, st.Miners, 2)

	rec = do(t, h, http.MethodGet, "/v1/devices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"sim"`)
}

func TestHwMon(t *testing.T) {
	h := NewServer(":0", newFakeFarm()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/miners/0/hwmon", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap core.HwSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 61, snap.TemperatureC)

	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodGet, "/v1/miners/1/hwmon", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/miners/9/hwmon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/miners/x/hwmon", "").Code)
}

func TestPostWork(t *testing.T) {
	f := newFakeFarm()
	h := NewServer(":0", f).Handler()

	body := `{"job_id":"j9","header":"0x` + strings.Repeat("ab", 32) + `","seed":"0x` + strings.Repeat("00", 32) +
		`","boundary":"0x` + strings.Repeat("0f", 32) + `","start_nonce":5,"ex_size_bits":8}`
	rec := do(t, h, http.MethodPost, "/v1/work", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.work, 1)
	wp := f.work[0]
	assert.Equal(t, "j9", wp.JobID)
	assert.EqualValues(t, 5, wp.StartNonce)
	assert.True(t, wp.Segmented())
	assert.Equal(t, 8, wp.ExSizeBits)
	assert.Equal(t, byte(0xab), wp.Header[31])

	rec = do(t, h, http.MethodPost, "/v1/work", `{"job_id":"j10","header":"0x`+strings.Repeat("01", 32)+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, f.work[1].Segmented())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/work", `{"job_id":"empty"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/work", `{"header":"zz"}`).Code)
}

func TestPauseResumeSolutionsMetrics(t *testing.T) {
	f := newFakeFarm()
	h := NewServer(":0", f).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/pause", "").Code)
	assert.True(t, f.Stats().Paused)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/resume", "").Code)
	assert.False(t, f.Stats().Paused)

	assert.Contains(t, do(t, h, http.MethodGet, "/v1/solutions", "").Body.String(), `"id":"s1"`)
	assert.Contains(t, do(t, h, http.MethodGet, "/v1/metrics", "").Body.String(), "gpuminer_hashrate_total 1234")
	assert.Contains(t, do(t, h, http.MethodGet, "/v1/metrics?format=json", "").Body.String(), `"gauges"`)
}

func dialBufconn(t *testing.T, s *GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.Server().Serve(lis)
	t.Cleanup(s.Server().Stop)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	f := newFakeFarm()
	f.healthy[1] = false
	s := NewGRPCServer(f)
	conn := dialBufconn(t, s)
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: MinerService(0)})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: MinerService(1)})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.mu.Lock()
	f.healthy[1] = true
	f.mu.Unlock()
	s.UpdateHealth()
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCControl(t *testing.T) {
	f := newFakeFarm()
	conn := dialBufconn(t, NewGRPCServer(f))
	client := NewControlClient(conn)
	ctx := context.Background()

	require.NoError(t, client.Pause(ctx))
	assert.True(t, f.Stats().Paused)

	st, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "farm-1", st.Fields["id"].GetStringValue())
	assert.True(t, st.Fields["paused"].GetBoolValue())
	assert.Len(t, st.Fields["miners"].GetListValue().GetValues(), 2)

	require.NoError(t, client.Resume(ctx))
	assert.False(t, f.Stats().Paused)
}
