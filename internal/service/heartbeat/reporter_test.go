package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	status   atomic.Int32
}

func newCollector(t *testing.T, status int) (*httptest.Server, *collector) {
	t.Helper()
	c := &collector{}
	c.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p Payload
		_ = json.Unmarshal(body, &p)
		c.mu.Lock()
		c.payloads = append(c.payloads, p)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(int(c.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

type fakePublisher struct {
	mu       sync.Mutex
	topic    string
	retained bool
	payload  []byte
	err      error
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.retained, p.payload = topic, retained, payload
	return p.err
}

func ip(s string) func() *string { return func() *string { return &s } }

func TestBeat_PayloadAndStickyCaptureSince(t *testing.T) {
	srv, c := newCollector(t, http.StatusNoContent)

	var last *time.Time
	r := NewReporter(Config{URL: srv.URL, DeviceID: "dev-1", AppVersion: "1.0.0"}, srv.Client(),
		func() *time.Time { return last }, nil)

	require.NoError(t, r.Beat(context.Background(), nil))

	first := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	last = &first
	require.NoError(t, r.Beat(context.Background(), nil))

	second := first.Add(time.Minute)
	last = &second
	require.NoError(t, r.Beat(context.Background(), nil))

	require.Equal(t, 3, c.count())
	p0, p1, p2 := c.payloads[0], c.payloads[1], c.payloads[2]

	assert.Equal(t, "dev-1", p0.DeviceID)
	assert.Equal(t, "ok", p0.Status)
	assert.Equal(t, "1.0.0", p0.AppVersion)
	assert.Nil(t, p0.CaptureSinceUtc)
	assert.Nil(t, p0.LastCaptureUtc)
	assert.Nil(t, p0.System)

	require.NotNil(t, p1.CaptureSinceUtc)
	assert.Equal(t, "2025-01-01T10:00:00.000Z", *p1.CaptureSinceUtc)

	require.NotNil(t, p2.CaptureSinceUtc)
	assert.Equal(t, "2025-01-01T10:00:00.000Z", *p2.CaptureSinceUtc, "capture-since is sticky")
	assert.Equal(t, "2025-01-01T10:01:00.000Z", *p2.LastCaptureUtc)

	assert.Equal(t, "application/json", c.headers[0].Get("Content-Type"))
	assert.Equal(t, "edgecam/1.0.0", c.headers[0].Get("User-Agent"))
}

func TestBeat_NullFieldsAreSerialized(t *testing.T) {
	r := NewReporter(Config{DeviceID: "dev"}, nil, nil, nil)

	raw, err := json.Marshal(r.payload(context.Background(), nil))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"localIp", "captureSinceUtc", "lastCaptureUtc"} {
		v, ok := m[key]
		assert.True(t, ok, key)
		assert.Nil(t, v, key)
	}
	assert.NotContains(t, m, "system")
}

func TestBeat_Non2xxIsFailure(t *testing.T) {
	srv, _ := newCollector(t, http.StatusServiceUnavailable)
	r := NewReporter(Config{URL: srv.URL}, srv.Client(), nil, nil)

	assert.ErrorIs(t, r.Beat(context.Background(), nil), ErrRejected)
}

func TestBeat_MirrorsToPublisherWithStats(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	stats := func(context.Context) SystemStats { return SystemStats{CPUPercent: 12.5, UptimeSec: 99} }
	r := NewReporter(Config{DeviceID: "dev"}, nil, nil, nil,
		WithPublisher(pub, "edgecam/dev/heartbeat"), WithStats(stats))

	require.NoError(t, r.Beat(context.Background(), ip("10.0.0.5")()), "publish failures only log")

	assert.Equal(t, "edgecam/dev/heartbeat", pub.topic)
	assert.True(t, pub.retained)
	var p Payload
	require.NoError(t, json.Unmarshal(pub.payload, &p))
	require.NotNil(t, p.LocalIP)
	assert.Equal(t, "10.0.0.5", *p.LocalIP)
	require.NotNil(t, p.System)
	assert.Equal(t, 12.5, p.System.CPUPercent)
	assert.Equal(t, uint64(99), p.System.UptimeSec)
}

func TestNext_DoublesOnFailureCappedAndResetsOnSuccess(t *testing.T) {
	r := NewReporter(Config{Interval: 60 * time.Second}, nil, nil, nil)

	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, r.next(false))
	}
	got = append(got, r.next(true))

	assert.Equal(t, []time.Duration{
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
		60 * time.Second,
	}, got)
}

func TestRun_SendsUntilCancelled(t *testing.T) {
	srv, c := newCollector(t, http.StatusOK)
	r := NewReporter(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, srv.Client(), nil, nil,
		WithLocalIP(ip("192.168.1.20")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return c.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.payloads[0].LocalIP)
	assert.Equal(t, "192.168.1.20", *c.payloads[0].LocalIP)
}

func TestHostStats_DoesNotFail(t *testing.T) {
	s := HostStats(t.TempDir())(context.Background())
	assert.GreaterOrEqual(t, s.MemUsedPercent, 0.0)
}
