package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dockwatch/internal/docker"
	"dockwatch/internal/logs"
	"dockwatch/internal/stats"
	"dockwatch/internal/target"
)

// Conn is the duplex message channel to one client.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// Feeds opens the two long-lived upstream streams.
type Feeds interface {
	StatsStream(ctx context.Context, id string) (io.ReadCloser, error)
	ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error)
}

// Actions executes the two mutating operations, serialized process-wide by
// the implementation.
type Actions interface {
	Restart(ctx context.Context, notify func(string)) error
	Upgrade(ctx context.Context, notify func(string)) error
}

// Recorder persists an audit entry per executed action. May be nil.
type Recorder interface {
	RecordAction(ctx context.Context, username, action, outcome, detail string) error
}

// Params bundles the collaborators a session needs.
type Params struct {
	Cache    *target.Cache
	Feeds    Feeds
	Actions  Actions
	Recorder Recorder
	Title    string
	LogTail  int
	// Settle is how long to wait after an action before reattaching feeds,
	// giving the runtime time to finish starting the replacement.
	Settle time.Duration
	Logger *slog.Logger
}

const (
	defaultSettle = 3 * time.Second
	writeTimeout  = 5 * time.Second
)

// Session coordinates the metrics feed, the log feed, and inbound action
// requests for one client connection. Lifecycle: connecting, active,
// action-in-flight, closed; expressed as the sequencing in Run.
type Session struct {
	log  *slog.Logger
	conn Conn
	user Identity
	p    Params

	sendMu sync.Mutex
	closed atomic.Bool

	feedMu    sync.Mutex
	statsFeed *feed
	logFeed   *feed
}

// feed is one active upstream subscription. Cancel tears it down; done closes
// once the feed goroutine has fully exited.
type feed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(conn Conn, user Identity, p Params) *Session {
	if p.Settle == 0 {
		p.Settle = defaultSettle
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Session{log: p.Logger.With("user", user.Username), conn: conn, user: user, p: p}
}

// Run drives the session until the transport closes. Both feeds are released
// exactly once on the way out.
func (s *Session) Run(ctx context.Context) {
	defer s.shutdown()

	s.send(newAppConfig(s.p.Title))
	s.send(newUserInfo(s.user.Username))

	h, err := s.p.Cache.Resolve(ctx)
	if err != nil {
		s.send(newError(err.Error()))
		return
	}
	s.sendContainerInfo()
	s.startFeeds(ctx, h)

	for {
		raw, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleMessage(ctx, raw)
	}
}

func (s *Session) handleMessage(ctx context.Context, raw []byte) {
	var req actionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.send(newError("Invalid command received."))
		return
	}
	switch req.Action {
	case ActionRestart, ActionUpgrade:
		s.runAction(ctx, req.Action)
	default:
		s.send(newError("Invalid command received."))
	}
}

// runAction is the ACTION_IN_FLIGHT leg: feeds are torn down before the
// destructive operation runs, and restarted against whatever the handle cache
// resolves afterwards.
func (s *Session) runAction(ctx context.Context, action Action) {
	h, err := s.p.Cache.Resolve(ctx)
	if err != nil {
		s.send(newError("Container not found."))
		return
	}
	s.stopFeeds()

	// The operation's side effects are irreversible, so it must not be
	// abandoned mid-step if the client disconnects.
	opCtx := context.WithoutCancel(ctx)
	notify := func(m string) { s.send(newStatus(m)) }

	var actErr error
	switch action {
	case ActionRestart:
		notify(fmt.Sprintf("Restarting container %s...", h.Name))
		actErr = s.p.Actions.Restart(opCtx, notify)
		if actErr == nil {
			notify("Restart command sent successfully.")
		} else {
			s.send(newError(fmt.Sprintf("Restart failed: %v", actErr)))
		}
	case ActionUpgrade:
		notify(fmt.Sprintf("Attempting upgrade for %s...", h.Name))
		actErr = s.p.Actions.Upgrade(opCtx, notify)
		if actErr != nil {
			s.send(newError(fmt.Sprintf("Upgrade failed: %v", actErr)))
		}
	}
	s.recordAction(opCtx, action, actErr)

	nh, err := s.p.Cache.Resolve(ctx)
	if err != nil {
		s.send(newError(err.Error()))
		return
	}
	s.sendContainerInfo()
	if !s.settle(ctx) {
		return
	}
	s.startFeeds(ctx, nh)
}

func (s *Session) recordAction(ctx context.Context, action Action, actErr error) {
	if s.p.Recorder == nil {
		return
	}
	outcome, detail := "ok", ""
	if actErr != nil {
		outcome, detail = "failed", actErr.Error()
	}
	if err := s.p.Recorder.RecordAction(ctx, s.user.Username, string(action), outcome, detail); err != nil {
		s.log.Warn("record action", "action", action, "err", err)
	}
}

// settle waits out the post-action delay. Returns false if the session context
// ended first.
func (s *Session) settle(ctx context.Context) bool {
	t := time.NewTimer(s.p.Settle)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) startFeeds(ctx context.Context, h target.Handle) {
	s.startFeed(ctx, &s.statsFeed, func(fctx context.Context) { s.runStatsFeed(fctx, h) })
	s.startFeed(ctx, &s.logFeed, func(fctx context.Context) { s.runLogFeed(fctx, h) })
}

// startFeed replaces any running feed of the same kind before starting the
// new one: at most one active subscription per feed kind per session.
func (s *Session) startFeed(ctx context.Context, slot **feed, run func(context.Context)) {
	s.feedMu.Lock()
	old := *slot
	*slot = nil
	s.feedMu.Unlock()
	stopFeed(old)

	fctx, cancel := context.WithCancel(ctx)
	f := &feed{cancel: cancel, done: make(chan struct{})}
	s.feedMu.Lock()
	*slot = f
	s.feedMu.Unlock()
	go func() {
		defer close(f.done)
		run(fctx)
	}()
}

// stopFeeds tears down both feeds and waits for their goroutines to exit, so
// no data for the old container can be emitted once it returns. Safe to call
// redundantly; stopping an absent feed is a no-op.
func (s *Session) stopFeeds() {
	s.feedMu.Lock()
	sf, lf := s.statsFeed, s.logFeed
	s.statsFeed, s.logFeed = nil, nil
	s.feedMu.Unlock()
	stopFeed(sf)
	stopFeed(lf)
}

func stopFeed(f *feed) {
	if f == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (s *Session) runStatsFeed(ctx context.Context, h target.Handle) {
	rc, err := s.p.Feeds.StatsStream(ctx, h.ID)
	if err != nil {
		s.sendLive(ctx, newError("Failed to get stats: "+err.Error()))
		return
	}
	defer rc.Close()

	name, shortID := s.displayIdentity()
	dec := json.NewDecoder(rc)
	for {
		var raw docker.Stats
		if err := dec.Decode(&raw); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.sendLive(ctx, newStatus("Stats stream ended."))
			} else {
				s.sendLive(ctx, newError("Stats stream error: "+err.Error()))
			}
			return
		}
		rec, err := stats.Format(raw, name, shortID)
		if err != nil {
			if errors.Is(err, stats.ErrIncompleteSample) {
				continue
			}
			// One bad sample degrades to a notice, never ends the stream.
			s.sendLive(ctx, newError("Error processing stats"))
			continue
		}
		s.sendLive(ctx, newStats(rec))
	}
}

func (s *Session) runLogFeed(ctx context.Context, h target.Handle) {
	rc, err := s.p.Feeds.ContainerLogs(ctx, h.ID, s.p.LogTail)
	if err != nil {
		s.sendLive(ctx, newError("Failed to get logs: "+err.Error()))
		return
	}
	defer rc.Close()

	err = logs.Demux(rc, func(rec logs.Record) {
		s.sendLive(ctx, newLog(rec.Source, rec.Line))
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.sendLive(ctx, newError("Log stream error: "+err.Error()))
	} else {
		s.sendLive(ctx, newStatus("Log stream ended."))
	}
}

func (s *Session) sendContainerInfo() {
	if info, ok := s.p.Cache.Info(); ok {
		s.send(newContainerInfo(info))
	}
}

func (s *Session) displayIdentity() (name, shortID string) {
	if info, ok := s.p.Cache.Info(); ok {
		return info.Name, info.ShortID
	}
	return s.p.Cache.Target(), "N/A"
}

// sendLive drops the message if the owning feed has been torn down.
func (s *Session) sendLive(ctx context.Context, v any) {
	if ctx.Err() != nil {
		return
	}
	s.send(v)
}

// send writes one message best-effort. Sends after closure are dropped
// silently; a write failure marks the transport closed.
func (s *Session) send(v any) {
	if s.closed.Load() {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.conn.WriteJSON(ctx, v); err != nil {
		s.closed.Store(true)
	}
}

func (s *Session) shutdown() {
	s.stopFeeds()
	s.closed.Store(true)
	_ = s.conn.Close()
}
