// Package realtime is a Socket.IO v4 client for the backend's run rooms.
//
// A Channel owns one websocket transport, reconnects it with capped
// exponential backoff, and re-joins every remembered room after each
// reconnect. Events are delivered to handlers on a single goroutine in
// arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Lifecycle event names delivered to handlers alongside server events.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventError           = "error"
	EventReconnectFailed = "reconnect_failed"
	EventRoomJoined      = "room_joined"
	EventRoomError       = "room_error"
)

const (
	eventJoinRoom  = "join_room"
	eventLeaveRoom = "leave_room"
	writeTimeout   = 10 * time.Second
)

// TokenSource yields the bearer token sent with every room join.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds channel settings.
type Config struct {
	// URL is the Socket.IO server base URL (http, https, ws or wss).
	URL string

	// Path is the Engine.IO endpoint path. Default "/socket.io/".
	Path string

	// ReconnectAttempts bounds consecutive failed dials before giving up.
	ReconnectAttempts int

	// BackoffBase and BackoffMax shape the exponential reconnect delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// JoinTimeout bounds how long JoinRoom waits for room_joined.
	JoinTimeout time.Duration

	// HandshakeTimeout bounds the websocket dial and Socket.IO handshake.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the settings used for a local backend.
func DefaultConfig() Config {
	return Config{
		URL:               "http://localhost:5000",
		Path:              "/socket.io/",
		ReconnectAttempts: 10,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		JoinTimeout:       10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Handler receives the first argument of an event, or nil when the event
// carried none.
type Handler func(payload json.RawMessage)

// Option customizes a Channel.
type Option func(*Channel)

// WithLogger sets the channel's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Channel is one Socket.IO connection. It is safe for concurrent use.
type Channel struct {
	cfg    Config
	wsURL  string
	tokens TokenSource
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// rooms maps remembered run ids to whether the current connection
	// has acknowledged the join.
	rooms    map[string]bool
	waiters  map[string][]chan error
	handlers map[string]map[uint64]Handler
	nextID   uint64

	writeMu sync.Mutex
}

// New creates a disconnected channel. Call Connect to start the transport.
func New(cfg Config, tokens TokenSource, opts ...Option) (*Channel, error) {
	cfg = cfg.withDefaults()
	wsURL, err := websocketURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}
	return newChannel(cfg, wsURL, tokens, opts...), nil
}

func newChannel(cfg Config, wsURL string, tokens TokenSource, opts ...Option) *Channel {
	c := &Channel{
		cfg:      cfg,
		wsURL:    wsURL,
		tokens:   tokens,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   zap.NewNop(),
		rooms:    make(map[string]bool),
		waiters:  make(map[string][]chan error),
		handlers: make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the transport. It returns immediately; connection progress
// is reported through the connect, error and reconnect_failed events.
// Calling Connect on a running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	// The transport outlives the caller's context; Disconnect stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Connected reports whether the transport is currently connected.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Running reports whether the transport is connected or trying to connect.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Disconnect stops the transport and forgets all rooms. Pending joins fail
// with ErrNotConnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = c.write(conn, string([]byte{engineMessage, socketDisconnect}))
	}
	cancel()
	<-done

	c.mu.Lock()
	c.rooms = make(map[string]bool)
	c.mu.Unlock()
	c.failWaiters(ErrNotConnected)
}

// JoinRoom joins the run's room and blocks until the server acknowledges,
// rejects, or the join timeout passes. The token is read from the token
// source on every call. The room is remembered and re-joined after every
// reconnect until LeaveRoom or Disconnect.
func (c *Channel) JoinRoom(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("join room: run id is required")
	}
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.rooms[runID] && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.rooms[runID]; !ok {
		c.rooms[runID] = false
	}
	wait := make(chan error, 1)
	c.waiters[runID] = append(c.waiters[runID], wait)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendJoin(conn, runID, tok); err != nil {
			// The reader will notice the broken transport; the reconnect
			// path re-sends the join.
			c.logger.Debug("join_room send failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-timer.C:
		c.removeWaiter(runID, wait)
		return fmt.Errorf("%w: %s", ErrJoinTimeout, runID)
	case <-ctx.Done():
		c.removeWaiter(runID, wait)
		return ctx.Err()
	}
}

// LeaveRoom forgets the room and, when connected, tells the server. It never
// fails.
func (c *Channel) LeaveRoom(runID string) {
	c.mu.Lock()
	delete(c.rooms, runID)
	waiters := c.waiters[runID]
	delete(c.waiters, runID)
	conn := c.conn
	c.mu.Unlock()

	for _, w := range waiters {
		w <- ErrNotConnected
	}
	if conn == nil {
		return
	}
	msg, err := encodeEvent(eventLeaveRoom, map[string]string{"model_run_id": runID})
	if err == nil {
		err = c.write(conn, msg)
	}
	if err != nil {
		c.logger.Debug("leave_room send failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Rooms returns the remembered room ids.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscription is a registered handler.
type Subscription struct {
	ch    *Channel
	event string
	id    uint64
	once  sync.Once
}

// Remove unregisters the handler. It is safe to call more than once.
func (s *Subscription) Remove() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.ch.mu.Lock()
		defer s.ch.mu.Unlock()
		if hs, ok := s.ch.handlers[s.event]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(s.ch.handlers, s.event)
			}
		}
	})
}

// On registers h for an event name. Handlers run on the channel's reader
// goroutine and must not block for long.
func (c *Channel) On(event string, h Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][c.nextID] = h
	return &Subscription{ch: c, event: event, id: c.nextID}
}

// run is the supervisor: dial, read until the transport drops, repeat.
func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		conn, open, err := c.dialWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("realtime reconnect attempts exhausted", zap.Error(err))
				c.dispatch(EventReconnectFailed, quote(err.Error()))
				c.failWaiters(ErrNotConnected)
			}
			return
		}

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

		// Joins issued after this point see the connection and send their
		// own join_room; earlier ones are covered by the rejoin below.
		c.mu.Lock()
		c.conn = conn
		rooms := make([]string, 0, len(c.rooms))
		for id := range c.rooms {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()

		c.logger.Debug("realtime connected", zap.String("sid", open.SID))
		c.dispatch(EventConnect, nil)
		c.rejoin(ctx, conn, rooms)

		reason := c.readLoop(conn, open)
		stop()
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		for id := range c.rooms {
			c.rooms[id] = false
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.logger.Debug("realtime disconnected", zap.String("reason", reason))
		c.dispatch(EventDisconnect, quote(reason))
	}
}

func (c *Channel) dialWithRetry(ctx context.Context) (*websocket.Conn, openPacket, error) {
	var (
		conn *websocket.Conn
		open openPacket
	)
	b := retry.NewExponential(c.cfg.BackoffBase)
	b = retry.WithCappedDuration(c.cfg.BackoffMax, b)
	b = retry.WithMaxRetries(uint64(c.cfg.ReconnectAttempts), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		conn, open, err = c.dial(ctx)
		if err != nil {
			c.logger.Debug("realtime dial failed", zap.Error(err))
			c.dispatch(EventError, quote(err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, openPacket{}, err
	}
	return conn, open, nil
}

// dial opens the websocket and completes the Engine.IO and Socket.IO
// handshakes.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, openPacket, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, openPacket{}, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	open, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, openPacket{}, err
	}
	return conn, open, nil
}

func (c *Channel) handshake(conn *websocket.Conn) (openPacket, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return openPacket{}, fmt.Errorf("read open packet: %w", err)
	}
	f, err := parseFrame(string(msg))
	if err != nil {
		return openPacket{}, err
	}
	if f.engine != engineOpen {
		return openPacket{}, fmt.Errorf("%w: expected open packet, got %q", ErrProtocol, f.engine)
	}
	var open openPacket
	if err := json.Unmarshal([]byte(f.data), &open); err != nil {
		return openPacket{}, fmt.Errorf("%w: bad open packet: %v", ErrProtocol, err)
	}

	if err := c.write(conn, connectPacket()); err != nil {
		return openPacket{}, fmt.Errorf("send connect: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return openPacket{}, fmt.Errorf("read connect ack: %w", err)
		}
		f, err := parseFrame(string(msg))
		if err != nil {
			return openPacket{}, err
		}
		switch {
		case f.engine == enginePing:
			if err := c.write(conn, string(enginePong)); err != nil {
				return openPacket{}, err
			}
		case f.engine == engineMessage && f.socket == socketConnect:
			return open, nil
		case f.engine == engineMessage && f.socket == socketConnectError:
			return openPacket{}, fmt.Errorf("connect rejected: %s", connectErrorMessage(f.data))
		case f.engine == engineClose:
			return openPacket{}, errors.New("server closed during handshake")
		}
	}
}

// readLoop delivers frames until the transport fails and returns the
// disconnect reason.
func (c *Channel) readLoop(conn *websocket.Conn, open openPacket) string {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(open.liveness()))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "ping timeout"
			}
			return "transport close"
		}

		f, err := parseFrame(string(msg))
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		switch f.engine {
		case enginePing:
			if err := c.write(conn, string(enginePong)); err != nil {
				return "transport error"
			}
		case engineClose:
			return "transport close"
		case engineMessage:
			switch f.socket {
			case socketEvent:
				c.handleEvent(f)
			case socketDisconnect:
				return "io server disconnect"
			case socketConnectError:
				c.dispatch(EventError, quote(connectErrorMessage(f.data)))
			}
		}
	}
}

func (c *Channel) handleEvent(f frame) {
	var payload json.RawMessage
	if len(f.args) > 0 {
		payload = f.args[0]
	}

	switch f.event {
	case EventRoomJoined, EventRoomError:
		var ack struct {
			RunID   any    `json:"model_run_id"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &ack)
		runID := ""
		if ack.RunID != nil {
			runID = fmt.Sprint(ack.RunID)
		}
		if f.event == EventRoomJoined {
			c.resolveJoin(runID, nil)
		} else {
			c.resolveJoin(runID, &RoomError{RunID: runID, Message: ack.Message})
		}
	}

	c.dispatch(f.event, payload)
}

func (c *Channel) resolveJoin(runID string, err error) {
	c.mu.Lock()
	if _, remembered := c.rooms[runID]; remembered {
		if err == nil {
			c.rooms[runID] = true
		} else {
			delete(c.rooms, runID)
		}
	}
	waiters := c.waiters[runID]
	delete(c.waiters, runID)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
}

func (c *Channel) rejoin(ctx context.Context, conn *websocket.Conn, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	sort.Strings(rooms)

	tok, err := c.token(ctx)
	if err != nil {
		c.dispatch(EventError, quote(err.Error()))
		for _, id := range rooms {
			c.failWaiter(id, err)
		}
		return
	}
	for _, id := range rooms {
		if err := c.sendJoin(conn, id, tok); err != nil {
			c.logger.Debug("rejoin send failed", zap.String("run_id", id), zap.Error(err))
			return
		}
	}
}

func (c *Channel) sendJoin(conn *websocket.Conn, runID, tok string) error {
	msg, err := encodeEvent(eventJoinRoom, map[string]string{"token": tok, "model_run_id": runID})
	if err != nil {
		return err
	}
	return c.write(conn, msg)
}

func (c *Channel) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrNoToken
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	if strings.TrimSpace(tok) == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

func (c *Channel) write(conn *websocket.Conn, msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// dispatch calls the event's handlers in registration order.
func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	hs := c.handlers[event]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	calls := make([]Handler, 0, len(ids))
	for _, id := range ids {
		calls = append(calls, hs[id])
	}
	c.mu.Unlock()

	for _, h := range calls {
		h(payload)
	}
}

func (c *Channel) removeWaiter(runID string, wait chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[runID]
	for i, w := range ws {
		if w == wait {
			c.waiters[runID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[runID]) == 0 {
		delete(c.waiters, runID)
	}
}

func (c *Channel) failWaiter(runID string, err error) {
	c.mu.Lock()
	waiters := c.waiters[runID]
	delete(c.waiters, runID)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (c *Channel) failWaiters(err error) {
	c.mu.Lock()
	all := c.waiters
	c.waiters = make(map[string][]chan error)
	c.mu.Unlock()
	for _, ws := range all {
		for _, w := range ws {
			w <- err
		}
	}
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
