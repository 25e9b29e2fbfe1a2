package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dockwatch/internal/docker"
	"dockwatch/internal/target"
)

const (
	oldID = "0123456789abcdef0123456789abcdef"
	newID = "fedcba9876543210fedcba9876543210"
)

// --- fakes ---

type fakeConn struct {
	mu  sync.Mutex
	out []map[string]any
	in  chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.out...)
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, m := range c.messages() {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(typ string) (map[string]any, bool) {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i]["type"] == typ {
			return msgs[i], true
		}
	}
	return nil, false
}

func (c *fakeConn) hasStatusContaining(sub string) bool {
	for _, m := range c.messages() {
		if m["type"] == typeStatus {
			if msg, _ := m["message"].(string); strings.Contains(msg, sub) {
				return true
			}
		}
	}
	return false
}

// scriptedStream yields its data, then either returns errAfter or blocks
// until closed, like a live follow stream with nothing new to say.
type scriptedStream struct {
	mu       sync.Mutex
	data     []byte
	errAfter error
	closed   chan struct{}
	once     sync.Once
}

func newScriptedStream(data []byte, errAfter error) *scriptedStream {
	return &scriptedStream{data: data, errAfter: errAfter, closed: make(chan struct{})}
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		s.mu.Unlock()
		return n, nil
	}
	errAfter := s.errAfter
	s.mu.Unlock()
	if errAfter != nil {
		return 0, errAfter
	}
	<-s.closed
	return 0, io.EOF
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeFeeds struct {
	statsOpens atomic.Int32
	logOpens   atomic.Int32

	statsData     []byte
	statsErrAfter error
	logData       []byte
}

func (f *fakeFeeds) StatsStream(ctx context.Context, id string) (io.ReadCloser, error) {
	f.statsOpens.Add(1)
	s := newScriptedStream(f.statsData, f.statsErrAfter)
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

func (f *fakeFeeds) ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	f.logOpens.Add(1)
	s := newScriptedStream(f.logData, nil)
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

type fakeActions struct {
	mu         sync.Mutex
	calls      []string
	restarts   int
	upgradeCtx context.Context

	restartErr error
	upgradeErr error
	onRestart  func()
	onUpgrade  func()
}

func (a *fakeActions) Restart(ctx context.Context, notify func(string)) error {
	a.mu.Lock()
	a.calls = append(a.calls, "restart")
	a.restarts++
	a.mu.Unlock()
	if a.onRestart != nil {
		a.onRestart()
	}
	return a.restartErr
}

func (a *fakeActions) Upgrade(ctx context.Context, notify func(string)) error {
	a.mu.Lock()
	a.calls = append(a.calls, "upgrade")
	a.upgradeCtx = ctx
	a.mu.Unlock()
	if a.onUpgrade != nil {
		a.onUpgrade()
	}
	return a.upgradeErr
}

func (a *fakeActions) restartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

type fakeInspector struct {
	mu         sync.Mutex
	containers map[string]docker.ContainerInspect
}

func (f *fakeInspector) InspectContainer(ctx context.Context, id string) (docker.ContainerInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	return docker.ContainerInspect{}, errors.New("no such container")
}

func (f *fakeInspector) replace(name string, c docker.ContainerInspect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, existing := range f.containers {
		if existing.ID != c.ID {
			delete(f.containers, key)
		}
	}
	f.containers[name] = c
	f.containers[c.ID] = c
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *fakeRecorder) RecordAction(ctx context.Context, username, action, outcome, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, username+" "+action+" "+outcome)
	return nil
}

func inspectFixture(id, image, status string) docker.ContainerInspect {
	var c docker.ContainerInspect
	c.ID = id
	c.Name = "/myapp"
	c.Config.Image = image
	c.State.Status = status
	c.State.StartedAt = "2026-08-28T10:00:00Z"
	c.RestartCount = 1
	return c
}

func sampleJSON(t *testing.T) []byte {
	t.Helper()
	var s docker.Stats
	s.Read = "2026-08-28T12:00:00Z"
	s.CPUStats.CPUUsage.TotalUsage = 150
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.CPUStats.SystemCPUUsage = 300
	s.PreCPUStats.SystemCPUUsage = 100
	s.CPUStats.OnlineCPUs = 2
	s.MemoryStats.Usage = 1 << 20
	s.MemoryStats.Limit = 1 << 30
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	return b
}

// --- harness ---

type harness struct {
	conn      *fakeConn
	feeds     *fakeFeeds
	actions   *fakeActions
	recorder  *fakeRecorder
	inspector *fakeInspector
	cache     *target.Cache
	sess      *Session
	done      chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	old := inspectFixture(oldID, "ghcr.io/acme/myapp:1.2", "running")
	h := &harness{
		conn:      newFakeConn(),
		feeds:     &fakeFeeds{},
		actions:   &fakeActions{},
		recorder:  &fakeRecorder{},
		inspector: &fakeInspector{containers: map[string]docker.ContainerInspect{"myapp": old, oldID: old}},
		done:      make(chan struct{}),
	}
	h.cache = target.NewCache(h.inspector, "myapp")
	h.sess = New(h.conn, Identity{Username: "ops"}, Params{
		Cache:    h.cache,
		Feeds:    h.feeds,
		Actions:  h.actions,
		Recorder: h.recorder,
		Title:    "Docker Monitor",
		LogTail:  50,
		Settle:   time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() {
		defer close(h.done)
		h.sess.Run(context.Background())
	}()
	t.Cleanup(func() {
		select {
		case <-h.done:
		default:
			close(h.in())
			h.waitDone(t)
		}
	})
}

func (h *harness) in() chan []byte { return h.conn.in }

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// --- tests ---

func TestConnectSequence(t *testing.T) {
	h := newHarness(t)
	h.feeds.statsData = sampleJSON(t)
	h.start(t)

	eventually(t, func() bool { return h.conn.count(typeStats) >= 1 }, "no stats message arrived")

	msgs := h.conn.messages()
	require.GreaterOrEqual(t, len(msgs), 4)
	assert.Equal(t, typeAppConfig, msgs[0]["type"])
	assert.Equal(t, "Docker Monitor", msgs[0]["title"])
	assert.Equal(t, typeUserInfo, msgs[1]["type"])
	assert.Equal(t, "ops", msgs[1]["username"])
	assert.Equal(t, typeContainerInfo, msgs[2]["type"])
	assert.Equal(t, "myapp", msgs[2]["containerName"])
	assert.Equal(t, "0123456789ab", msgs[2]["containerId"])
	assert.Equal(t, "2026-08-28T10:00:00Z", msgs[2]["startedAt"])
	assert.Equal(t, float64(1), msgs[2]["restartCount"])

	st, ok := h.conn.last(typeStats)
	require.True(t, ok)
	assert.Equal(t, "50.00", st["cpuPercent"])
	assert.Equal(t, "myapp", st["containerName"])
}

func TestLogFeedEmitsRecords(t *testing.T) {
	h := newHarness(t)
	h.feeds.logData = append([]byte{1, 0, 0, 0, 0, 0, 0, 0}, []byte("hello\nworld\n")...)
	h.start(t)

	eventually(t, func() bool { return h.conn.count(typeLog) >= 2 }, "log records not forwarded")
	lg, ok := h.conn.last(typeLog)
	require.True(t, ok)
	assert.Equal(t, "stdout", lg["source"])
	assert.Equal(t, "world", lg["line"])
}

func TestResolutionFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.inspector.containers = map[string]docker.ContainerInspect{}
	h.start(t)

	h.waitDone(t)
	msgs := h.conn.messages()
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, typeError, msgs[2]["type"])
	assert.Contains(t, msgs[2]["message"], "not found")
	assert.Zero(t, h.feeds.statsOpens.Load())
}

func TestMalformedInputRejectedWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	eventually(t, func() bool { return h.conn.count(typeContainerInfo) >= 1 }, "session not active")

	h.in() <- []byte("not json at all")
	h.in() <- []byte(`{"action":"dance"}`)
	eventually(t, func() bool { return h.conn.count(typeError) >= 2 }, "malformed input not rejected")

	// Still accepts a real action afterwards.
	h.in() <- []byte(`{"action":"restart"}`)
	eventually(t, func() bool { return h.actions.restartCount() == 1 }, "restart not executed after rejections")
}

func TestRestartFlowOrderingAndResumption(t *testing.T) {
	h := newHarness(t)
	var statusBeforeAction atomic.Bool
	h.actions.onRestart = func() {
		statusBeforeAction.Store(h.conn.hasStatusContaining("Restarting container myapp"))
	}
	h.start(t)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 1 }, "feeds not started")

	h.in() <- []byte(`{"action":"restart"}`)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 2 }, "feeds not restarted after action")

	assert.True(t, statusBeforeAction.Load(), "restarting notice must precede the restart call")
	assert.True(t, h.conn.hasStatusContaining("Restart command sent successfully"))
	assert.Equal(t, 2, h.conn.count(typeContainerInfo), "fresh container_info after the action")
	assert.Equal(t, int32(2), h.feeds.logOpens.Load())

	h.recorder.mu.Lock()
	entries := append([]string(nil), h.recorder.entries...)
	h.recorder.mu.Unlock()
	require.Len(t, entries, 1)
	assert.Equal(t, "ops restart ok", entries[0])
}

func TestRestartFailureStillResumes(t *testing.T) {
	h := newHarness(t)
	h.actions.restartErr = errors.New("daemon busy")
	h.start(t)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 1 }, "feeds not started")

	h.in() <- []byte(`{"action":"restart"}`)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 2 }, "feeds not restarted after failed action")

	errMsg, ok := h.conn.last(typeError)
	require.True(t, ok)
	assert.Contains(t, errMsg["message"], "Restart failed: daemon busy")
}

func TestUpgradeFinalInfoReflectsReplacement(t *testing.T) {
	h := newHarness(t)
	h.actions.onUpgrade = func() {
		h.inspector.replace("myapp", inspectFixture(newID, "ghcr.io/acme/myapp:latest", "running"))
		h.cache.Invalidate()
	}
	h.start(t)
	eventually(t, func() bool { return h.conn.count(typeContainerInfo) >= 1 }, "session not active")

	h.in() <- []byte(`{"action":"upgrade"}`)
	eventually(t, func() bool { return h.conn.count(typeContainerInfo) >= 2 }, "no refreshed container_info")

	info, ok := h.conn.last(typeContainerInfo)
	require.True(t, ok)
	assert.Equal(t, "fedcba987654", info["containerId"])
	assert.Equal(t, "ghcr.io/acme/myapp:latest", info["image"])
	assert.True(t, h.conn.hasStatusContaining("Attempting upgrade for myapp"))
}

func TestUpgradeSurvivesDisconnect(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	gate := make(chan struct{})
	h.actions.onUpgrade = func() {
		close(started)
		<-gate
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sess.Run(ctx)
	}()

	eventually(t, func() bool { return h.conn.count(typeContainerInfo) >= 1 }, "session not active")
	h.in() <- []byte(`{"action":"upgrade"}`)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never started")
	}

	// Client goes away while the upgrade is mid-flight.
	cancel()
	close(gate)

	eventually(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return len(h.recorder.entries) == 1
	}, "upgrade not journaled after disconnect")
	h.recorder.mu.Lock()
	entry := h.recorder.entries[0]
	h.recorder.mu.Unlock()
	assert.Equal(t, "ops upgrade ok", entry)

	// The operation ran on a context detached from the session's.
	h.actions.mu.Lock()
	opCtx := h.actions.upgradeCtx
	h.actions.mu.Unlock()
	require.NotNil(t, opCtx)
	assert.NoError(t, opCtx.Err())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestFeedFailureContainment(t *testing.T) {
	h := newHarness(t)
	h.feeds.statsErrAfter = errors.New("stream reset by peer")
	h.start(t)

	eventually(t, func() bool { return h.conn.count(typeError) >= 1 }, "feed failure not reported")
	// Exactly one notice; the feed is marked stopped, not retried.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.conn.count(typeError))
	assert.Equal(t, int32(1), h.feeds.statsOpens.Load())

	// A later action still works and re-establishes the feed.
	h.in() <- []byte(`{"action":"restart"}`)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 2 }, "feed not re-established by action")
}

func TestStopFeedsIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hdl, err := h.cache.Resolve(ctx)
	require.NoError(t, err)
	h.sess.startFeeds(ctx, hdl)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 1 }, "feeds not started")

	h.sess.stopFeeds()
	h.sess.stopFeeds() // releasing an absent feed is a no-op

	h.sess.startFeeds(ctx, hdl)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 2 }, "feeds not restartable after double stop")
	h.sess.stopFeeds()
}

func TestStartFeedReplacesRunningFeed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hdl, err := h.cache.Resolve(ctx)
	require.NoError(t, err)
	h.sess.startFeeds(ctx, hdl)
	h.sess.startFeeds(ctx, hdl)
	eventually(t, func() bool { return h.feeds.statsOpens.Load() == 2 }, "second start did not open a new stream")
	h.sess.stopFeeds()
}

func TestIdentityFromHeaders(t *testing.T) {
	hdr := http.Header{}
	id := identityFromHeaders(hdr)
	assert.Equal(t, "anonymous", id.Username)

	hdr.Set("X-Forwarded-User", "Jordan Ops")
	hdr.Set("X-Forwarded-Preferred-Username", "jordan")
	hdr.Set("X-Forwarded-Groups", "sre, platform ,")
	hdr.Set("X-Forwarded-Email", "jordan@example.com")
	id = identityFromHeaders(hdr)
	assert.Equal(t, "jordan", id.Username)
	assert.Equal(t, "Jordan Ops", id.DisplayName)
	assert.Equal(t, []string{"sre", "platform"}, id.Groups)
	assert.Equal(t, "jordan@example.com", id.Email)
}
