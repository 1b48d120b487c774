package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"edgecam/internal/models"
	"edgecam/internal/repository/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingUploader struct {
	mu      sync.Mutex
	uploads []Upload
	failOn  map[string]bool
}

func (u *recordingUploader) Upload(_ context.Context, up Upload) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, up)
	if u.failOn[up.CameraID] {
		return errors.New("503 service unavailable")
	}
	return nil
}

func (u *recordingUploader) cameras() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, up := range u.uploads {
		out = append(out, up.CameraID)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo     *sqlite.OutboxRepository
	uploader *recordingUploader
	clock    *clock
	engine   *Engine
	dir      string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		repo:     sqlite.NewOutboxRepository(db),
		uploader: &recordingUploader{failOn: map[string]bool{}},
		clock:    &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
		dir:      dir,
	}
	if cfg.BackoffStart == 0 {
		cfg.BackoffStart = 5 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 300 * time.Second
	}
	f.engine = NewEngine(f.repo, f.uploader, cfg, nil, WithClock(f.clock.Now))
	return f
}

func (f *fixture) file(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0644))
	return p
}

func (f *fixture) insert(t *testing.T, camera, raw string, annotated *string, meta string) int64 {
	t.Helper()
	id, err := f.repo.Insert(context.Background(), &models.OutboxRow{
		TimestampUTC:  "2025-01-01T11:59:00.000Z",
		CameraID:      camera,
		Count:         2,
		MetaJSON:      meta,
		RawPath:       raw,
		AnnotatedPath: annotated,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) pending(t *testing.T) []string {
	t.Helper()
	rows, err := f.repo.GetUnsynced(context.Background(), 100)
	require.NoError(t, err)
	var out []string
	for _, r := range rows {
		out = append(out, r.CameraID)
	}
	return out
}

func TestAttemptSync_UploadsOldestFirst(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	f.insert(t, "a", f.file(t, "a.jpg"), nil, `{"camera_id":"a"}`)
	f.insert(t, "b", f.file(t, "b.jpg"), nil, `{"camera_id":"b"}`)
	f.insert(t, "c", f.file(t, "c.jpg"), nil, `{"camera_id":"c"}`)

	res, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PassResult{Attempted: 2, Synced: 2}, res)
	assert.Equal(t, []string{"a", "b"}, f.uploader.cameras())
	assert.Equal(t, []string{"c"}, f.pending(t))
	assert.NotEmpty(t, f.uploader.uploads[0].CaptureID)
	assert.Equal(t, `{"camera_id":"a"}`, string(f.uploader.uploads[0].Meta))
}

func TestAttemptSync_MissingRawIsRetiredWithoutUpload(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.insert(t, "gone", filepath.Join(f.dir, "nope.jpg"), nil, `{}`)
	f.insert(t, "empty", "", nil, `{}`)
	f.insert(t, "ok", f.file(t, "ok.jpg"), nil, `{}`)

	res, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Missing)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, []string{"ok"}, f.uploader.cameras())
	assert.Empty(t, f.pending(t))

	row, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, row.MissingFiles)
	assert.Equal(t, models.SyncStateSynced, row.SyncState)

	res, err = f.engine.AttemptSync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted, "retired rows are never revisited")
}

func TestAttemptSync_FailureStopsBatchAndBacksOff(t *testing.T) {
	f := newFixture(t, Config{})
	f.insert(t, "a", f.file(t, "a.jpg"), nil, `{}`)
	f.insert(t, "b", f.file(t, "b.jpg"), nil, `{}`)
	f.insert(t, "c", f.file(t, "c.jpg"), nil, `{}`)
	f.uploader.failOn["b"] = true

	res, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, f.clock.Now().Add(10*time.Second), res.NextAttempt)
	assert.Equal(t, []string{"a", "b"}, f.uploader.cameras(), "c must not be attempted")
	assert.Equal(t, []string{"b", "c"}, f.pending(t))

	f.clock.Advance(9 * time.Second)
	res, err = f.engine.AttemptSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, f.uploader.cameras(), 2)

	f.clock.Advance(time.Second)
	f.uploader.failOn["b"] = false
	res, err = f.engine.AttemptSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.True(t, res.NextAttempt.IsZero())
	assert.Empty(t, f.pending(t))

	delay, next := f.engine.Backoff().State()
	assert.Equal(t, 5*time.Second, delay)
	assert.True(t, next.IsZero())
}

func TestAttemptSync_ConsecutiveFailuresFollowSawtooth(t *testing.T) {
	f := newFixture(t, Config{BackoffStart: 5 * time.Second, BackoffMax: 20 * time.Second})
	f.insert(t, "a", f.file(t, "a.jpg"), nil, `{}`)
	f.uploader.failOn["a"] = true

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		start := f.clock.Now()
		res, err := f.engine.AttemptSync(context.Background())
		require.NoError(t, err)
		require.True(t, res.Failed)
		d := res.NextAttempt.Sub(start)
		delays = append(delays, d)
		f.clock.Advance(d)
	}

	assert.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second, 10 * time.Second, 5 * time.Second}, delays)
}

func TestAttemptSync_MissingAnnotatedUploadsRawOnly(t *testing.T) {
	f := newFixture(t, Config{})
	gone := filepath.Join(f.dir, "ann.jpg")
	present := f.file(t, "ann2.jpg")
	f.insert(t, "a", f.file(t, "a.jpg"), &gone, `{}`)
	f.insert(t, "b", f.file(t, "b.jpg"), &present, `{}`)

	_, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	require.Len(t, f.uploader.uploads, 2)
	assert.Empty(t, f.uploader.uploads[0].AnnotatedPath)
	assert.Equal(t, present, f.uploader.uploads[1].AnnotatedPath)
}

func TestAttemptSync_EmptyMetaUsesFallback(t *testing.T) {
	f := newFixture(t, Config{})
	f.insert(t, "cam7", f.file(t, "a.jpg"), nil, "")

	_, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	require.Len(t, f.uploader.uploads, 1)
	assert.JSONEq(t,
		`{"timestamp_utc":"2025-01-01T11:59:00.000Z","camera_id":"cam7","people":{"count":2}}`,
		string(f.uploader.uploads[0].Meta))
}

func TestAttemptSync_DeletesRawWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{DeleteRawAfterSync: true})
	raw := f.file(t, "a.jpg")
	f.insert(t, "a", raw, nil, `{}`)

	_, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(raw)
	assert.True(t, os.IsNotExist(err))
}

func TestAttemptSync_KeepsRawOnFailure(t *testing.T) {
	f := newFixture(t, Config{DeleteRawAfterSync: true})
	raw := f.file(t, "a.jpg")
	f.insert(t, "a", raw, nil, `{}`)
	f.uploader.failOn["a"] = true

	_, err := f.engine.AttemptSync(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(raw)
	assert.NoError(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond})
	f.insert(t, "a", f.file(t, "a.jpg"), nil, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.pending(t)) == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sync loop did not stop within a second")
	}
}
