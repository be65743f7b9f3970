// Package session keeps the client's single live gateway connection. It joins
// the group of the activity being viewed, posts comments to it and feeds
// delivered events into the local cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
	"github.com/a-essam23/activitycast/pkg/auth"
	"github.com/a-essam23/activitycast/pkg/client/cache"
	"github.com/a-essam23/activitycast/pkg/state"
	"github.com/a-essam23/activitycast/pkg/wire"
	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrConnection marks transport failures. There is no automatic reconnect.
	ErrConnection = errors.New("gateway connection failed")
	ErrNotOpen    = errors.New("no live session")
)

// RequestError is an error frame returned by the gateway for one request.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

func (e *RequestError) Is(target error) bool {
	switch target {
	case state.ErrNotJoined:
		return e.Code == wire.CodeNotJoined
	case auth.ErrUnauthenticated:
		return e.Code == wire.CodeUnauthenticated
	case wire.ErrInvalidMessage:
		return e.Code == wire.CodeInvalidMessage
	}
	return false
}

type Config struct {
	// URL of the gateway endpoint, e.g. ws://localhost:8080/ws
	URL   string
	Token string
	// KeepAlive sends a ping at this interval while a session is open. Zero disables it.
	KeepAlive      time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

const defaultRequestTimeout = 10 * time.Second

// NoticeHandler receives notice events. Notices are never stored.
type NoticeHandler func(groupID string, notice wire.Notice)

type Option func(*Session)

func WithNoticeHandler(h NoticeHandler) Option {
	return func(s *Session) { s.onNotice = h }
}

type Session struct {
	cfg    Config
	store  *cache.Store
	logger *slog.Logger

	onNotice NoticeHandler
	newID    func() string
	now      func() time.Time

	// opMu serialises Open and Close; mu guards live.
	opMu sync.Mutex
	mu   sync.Mutex
	live *liveConn
}

func New(cfg Config, store *cache.Store, logger *slog.Logger, opts ...Option) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Session{
		cfg:      cfg,
		store:    store,
		logger:   logger.With(slog.String("component", "session")),
		onNotice: func(string, wire.Notice) {},
		newID:    func() string { return ulid.Make().String() },
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// liveConn is one dialled gateway connection bound to one activity group.
type liveConn struct {
	conn       *websocket.Conn
	activityID string
	cancel     context.CancelFunc

	done     chan struct{}
	failOnce sync.Once
	err      error

	pmu     sync.Mutex
	pending map[string]chan wire.ServerMessage
}

func (lc *liveConn) fail(err error) {
	lc.failOnce.Do(func() {
		lc.err = err
		close(lc.done)
	})
}

func (lc *liveConn) resolve(msg *wire.ServerMessage) bool {
	lc.pmu.Lock()
	ch, ok := lc.pending[msg.ID]
	delete(lc.pending, msg.ID)
	lc.pmu.Unlock()
	if ok {
		ch <- *msg
	}
	return ok
}

func (lc *liveConn) forget(id string) {
	lc.pmu.Lock()
	delete(lc.pending, id)
	lc.pmu.Unlock()
}

// Open makes activityID the live group. A previous session is closed first.
// Dial failures are returned wrapped in ErrConnection. The activity is loaded
// into the cache and pinned there before the group is joined, so every
// delivered comment has a snapshot to land in.
func (s *Session) Open(ctx context.Context, activityID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if prev := s.swap(nil); prev != nil {
		if err := s.closeLive(ctx, prev); err != nil {
			s.logger.Warn("Previous session did not close cleanly", slog.String("activityID", prev.activityID), slog.Any("error", err))
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	conn, resp, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.cfg.HTTPClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrConnection, auth.ErrUnauthenticated)
		}
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, s.cfg.URL, err)
	}

	if _, err := s.store.Load(ctx, activityID); err != nil {
		conn.Close(websocket.StatusNormalClosure, "activity unavailable")
		return err
	}
	s.store.Pin(activityID)

	readCtx, cancel := context.WithCancel(context.Background())
	lc := &liveConn{
		conn:       conn,
		activityID: activityID,
		cancel:     cancel,
		done:       make(chan struct{}),
		pending:    make(map[string]chan wire.ServerMessage),
	}
	go s.readLoop(readCtx, lc)

	if err := s.request(ctx, lc, wire.ClientMessage{Type: wire.TypeJoin, GroupID: activityID}); err != nil {
		s.shutdown(lc, websocket.StatusNormalClosure, "join failed")
		s.store.Unpin(activityID)
		return fmt.Errorf("join %s: %w", activityID, err)
	}
	if s.cfg.KeepAlive > 0 {
		go s.keepAlive(lc)
	}
	s.swap(lc)
	s.logger.Info("Live session opened", slog.String("activityID", activityID))
	return nil
}

// Close leaves the group, waits for the acknowledgement and closes the connection.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	lc := s.swap(nil)
	if lc == nil {
		return nil
	}
	return s.closeLive(ctx, lc)
}

func (s *Session) closeLive(ctx context.Context, lc *liveConn) error {
	var err error
	select {
	case <-lc.done:
	default:
		err = s.request(ctx, lc, wire.ClientMessage{Type: wire.TypeLeave, GroupID: lc.activityID})
	}
	s.shutdown(lc, websocket.StatusNormalClosure, "session closed")
	s.store.Unpin(lc.activityID)
	s.logger.Info("Live session closed", slog.String("activityID", lc.activityID))
	return err
}

func (s *Session) shutdown(lc *liveConn, code websocket.StatusCode, reason string) {
	if err := lc.conn.Close(code, reason); err != nil {
		s.logger.Debug("Websocket close returned error", slog.Any("error", err))
	}
	lc.cancel()
	<-lc.done
}

func (s *Session) swap(lc *liveConn) *liveConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live
	s.live = lc
	return prev
}

func (s *Session) current() *liveConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// ActivityID returns the group of the open session, or "" when none is open.
func (s *Session) ActivityID() string {
	if lc := s.current(); lc != nil {
		return lc.activityID
	}
	return ""
}

// Wait blocks until the open session's connection ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	lc := s.current()
	if lc == nil {
		return ErrNotOpen
	}
	select {
	case <-lc.done:
		return fmt.Errorf("%w: %w", ErrConnection, lc.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostComment appends the comment to the cache as pending and publishes it.
// On acknowledgement the comment is confirmed. On failure it stays in the cache
// marked failed and the error is returned. The comment id is returned either way.
func (s *Session) PostComment(ctx context.Context, body string) (string, error) {
	lc := s.current()
	if lc == nil {
		return "", ErrNotOpen
	}
	user := s.store.User()
	c := activity.Comment{
		ID:          s.newID(),
		Body:        body,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Image:       user.Image,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddPendingComment(lc.activityID, c); err != nil {
		return "", err
	}

	event := wire.NewCommentEvent(wire.CommentPosted{
		ActivityID:  lc.activityID,
		CommentID:   c.ID,
		Author:      c.Username,
		DisplayName: c.DisplayName,
		Image:       c.Image,
		Body:        c.Body,
		Timestamp:   c.CreatedAt,
	})
	err := s.request(ctx, lc, wire.ClientMessage{Type: wire.TypePublish, GroupID: lc.activityID, Event: event})
	if err != nil {
		s.store.FailComment(lc.activityID, c.ID)
		return c.ID, fmt.Errorf("post comment: %w", err)
	}
	s.store.ConfirmComment(lc.activityID, c.ID)
	return c.ID, nil
}

// Ping round-trips a ping frame. The gateway counts it as activity.
func (s *Session) Ping(ctx context.Context) error {
	lc := s.current()
	if lc == nil {
		return ErrNotOpen
	}
	return s.request(ctx, lc, wire.ClientMessage{Type: wire.TypePing})
}

// request sends msg with a fresh correlation id and waits for the ack or error reply.
func (s *Session) request(ctx context.Context, lc *liveConn, msg wire.ClientMessage) error {
	select {
	case <-lc.done:
		return fmt.Errorf("%w: %w", ErrConnection, lc.err)
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	msg.ID = s.newID()
	reply := make(chan wire.ServerMessage, 1)
	lc.pmu.Lock()
	lc.pending[msg.ID] = reply
	lc.pmu.Unlock()
	defer lc.forget(msg.ID)

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := lc.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrConnection, msg.Type, err)
	}

	select {
	case r := <-reply:
		if r.Type == wire.TypeError {
			return &RequestError{Code: r.Code, Message: r.Message}
		}
		return nil
	case <-lc.done:
		return fmt.Errorf("%w: %w", ErrConnection, lc.err)
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s reply: %w", ErrConnection, msg.Type, ctx.Err())
	}
}

func (s *Session) readLoop(ctx context.Context, lc *liveConn) {
	for {
		_, data, err := lc.conn.Read(ctx)
		if err != nil {
			lc.fail(err)
			return
		}
		msg, err := wire.DecodeServer(data)
		if err != nil {
			s.logger.Warn("Ignoring malformed gateway frame", slog.Any("error", err))
			continue
		}
		switch msg.Type {
		case wire.TypeAck, wire.TypeError:
			if !lc.resolve(msg) && msg.Type == wire.TypeError {
				s.logger.Warn("Gateway error without pending request", slog.String("code", msg.Code), slog.String("message", msg.Message))
			}
		case wire.TypeDelivered:
			s.deliver(msg)
		case wire.TypeClose:
			s.logger.Info("Gateway is closing the session", slog.String("reason", msg.Reason))
		default:
			s.logger.Debug("Ignoring gateway frame", slog.String("type", string(msg.Type)))
		}
	}
}

func (s *Session) deliver(msg *wire.ServerMessage) {
	if msg.Event == nil {
		return
	}
	switch msg.Event.Kind {
	case wire.KindCommentPosted:
		if msg.Event.Comment == nil {
			return
		}
		ev := *msg.Event.Comment
		if ev.ActivityID == "" {
			ev.ActivityID = msg.GroupID
		}
		s.store.ApplyComment(&ev)
	case wire.KindNotice:
		if msg.Event.Notice != nil {
			s.onNotice(msg.GroupID, *msg.Event.Notice)
		}
	}
}

func (s *Session) keepAlive(lc *liveConn) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			if err := s.request(context.Background(), lc, wire.ClientMessage{Type: wire.TypePing}); err != nil {
				s.logger.Debug("Keep-alive ping failed", slog.Any("error", err))
			}
		}
	}
}
