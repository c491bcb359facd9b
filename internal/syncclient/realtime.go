package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	EventPersisted   = "persisted-update"
	EventRelay       = "relay-patch"
	EventReconnected = "reconnected"

	realtimeWriteWait = 10 * time.Second
)

var (
	// ErrRefused is wrapped by Join and Leave when the server answers with an
	// error frame.
	ErrRefused = errors.New("realtime request refused")
	// ErrClosed is returned once the connection is gone for good.
	ErrClosed = errors.New("realtime connection closed")
)

// Event is a server push for one workspace room. Reconnected events are
// synthesized locally after a reconnect; anything may have been missed.
type Event struct {
	Type      string
	ID        string
	Name      *string
	Document  json.RawMessage
	UpdatedAt time.Time
	Patch     json.RawMessage
}

type wireFrame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      *string         `json:"name,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type RealtimeOption func(*Realtime)

// WithReconnect redials with exponential backoff when the connection drops,
// rejoins every room and emits a reconnected event to each room's listeners.
func WithReconnect() RealtimeOption {
	return func(r *Realtime) { r.reconnect = true }
}

// WithBackOff sets the reconnect schedule and enables reconnecting.
func WithBackOff(b backoff.BackOff) RealtimeOption {
	return func(r *Realtime) {
		r.reconnect = true
		r.newBackOff = func() backoff.BackOff { return b }
	}
}

// WithMaxReconnectTime bounds how long one reconnect attempt keeps retrying.
func WithMaxReconnectTime(d time.Duration) RealtimeOption {
	return func(r *Realtime) { r.maxReconnect = d }
}

type listener struct {
	id int
	fn func(Event)
}

// Realtime is one websocket connection to the broadcast channel.
type Realtime struct {
	client       *Client
	url          string
	dialer       *websocket.Dialer
	reconnect    bool
	newBackOff   func() backoff.BackOff
	maxReconnect time.Duration
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	err       error
	rooms     map[string]struct{}
	waiters   map[string][]chan wireFrame
	listeners map[string][]listener
	nextID    int
}

// Realtime dials the broadcast channel using the client's session cookie.
func (c *Client) Realtime(ctx context.Context, opts ...RealtimeOption) (*Realtime, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/api/realtime"

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Realtime{
		client:       c,
		url:          wsURL.String(),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxReconnect: 2 * time.Minute,
		logger:       c.logger.With().Str("component", "realtime-client").Logger(),
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		rooms:        make(map[string]struct{}),
		waiters:      make(map[string][]chan wireFrame),
		listeners:    make(map[string][]listener),
	}
	for _, opt := range opts {
		opt(r)
	}

	conn, err := r.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	r.conn = conn
	go r.readLoop(conn)
	return r, nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for _, cookie := range r.client.httpClient.Jar.Cookies(r.client.baseURL) {
		header.Add("Cookie", cookie.String())
	}
	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}

// Join enters the workspace room and waits for the server's answer.
func (r *Realtime) Join(ctx context.Context, id string) error {
	reply, err := r.request(ctx, wireFrame{Type: "join", ID: id})
	if err != nil {
		return err
	}
	if reply.Type != "joined" {
		return fmt.Errorf("join %s: %w: %s", id, ErrRefused, reply.Error)
	}
	r.mu.Lock()
	r.rooms[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Realtime) Leave(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.rooms, id)
	r.mu.Unlock()

	reply, err := r.request(ctx, wireFrame{Type: "leave", ID: id})
	if err != nil {
		return err
	}
	if reply.Type != "left" {
		return fmt.Errorf("leave %s: %w: %s", id, ErrRefused, reply.Error)
	}
	return nil
}

// Relay sends an ephemeral patch to the other members of the room.
func (r *Realtime) Relay(ctx context.Context, id string, patch json.RawMessage) error {
	return r.write(ctx, wireFrame{Type: "relay-update", ID: id, Patch: patch})
}

// Listen registers fn for events of one room. The returned func removes it.
// fn runs on the connection's read goroutine and must not block.
func (r *Realtime) Listen(id string, fn func(Event)) (stop func()) {
	r.mu.Lock()
	r.nextID++
	key := r.nextID
	r.listeners[id] = append(r.listeners[id], listener{id: key, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			current := r.listeners[id]
			for i, l := range current {
				if l.id == key {
					r.listeners[id] = append(current[:i:i], current[i+1:]...)
					break
				}
			}
			if len(r.listeners[id]) == 0 {
				delete(r.listeners, id)
			}
		})
	}
}

// Done is closed when the connection has ended and will not be restored.
func (r *Realtime) Done() <-chan struct{} {
	return r.done
}

// Err reports why the connection ended, after Done is closed.
func (r *Realtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	conn := r.conn
	r.mu.Unlock()

	r.finish(ErrClosed)
	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	return conn.Close()
}

func (r *Realtime) request(ctx context.Context, frame wireFrame) (wireFrame, error) {
	reply := make(chan wireFrame, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return wireFrame{}, ErrClosed
	}
	r.waiters[frame.ID] = append(r.waiters[frame.ID], reply)
	r.mu.Unlock()

	if err := r.write(ctx, frame); err != nil {
		r.dropWaiter(frame.ID, reply)
		return wireFrame{}, err
	}

	select {
	case got, ok := <-reply:
		if !ok {
			return wireFrame{}, ErrClosed
		}
		return got, nil
	case <-ctx.Done():
		r.dropWaiter(frame.ID, reply)
		return wireFrame{}, ctx.Err()
	}
}

func (r *Realtime) dropWaiter(id string, reply chan wireFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waiters[id]
	for i, w := range queue {
		if w == reply {
			r.waiters[id] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

func (r *Realtime) write(ctx context.Context, frame wireFrame) error {
	r.mu.Lock()
	conn, closed := r.conn, r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("write %s: not connected", frame.Type)
	}

	deadline := time.Now().Add(realtimeWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s: %w", frame.Type, err)
	}
	return nil
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			r.connectionLost(conn, err)
			return
		}
		r.dispatch(frame)
	}
}

func (r *Realtime) dispatch(frame wireFrame) {
	switch frame.Type {
	case "joined", "left", "error":
		r.mu.Lock()
		queue := r.waiters[frame.ID]
		var waiter chan wireFrame
		if len(queue) > 0 {
			waiter = queue[0]
			r.waiters[frame.ID] = queue[1:]
		}
		r.mu.Unlock()
		if waiter != nil {
			waiter <- frame
			return
		}
		if frame.Type == "error" {
			r.logger.Warn().Str("workspace_id", frame.ID).Str("error", frame.Error).Msg("server error frame")
		}
	case EventPersisted, EventRelay:
		event := Event{
			Type:     frame.Type,
			ID:       frame.ID,
			Name:     frame.Name,
			Document: frame.Document,
			Patch:    frame.Patch,
		}
		if frame.UpdatedAt != nil {
			event.UpdatedAt = *frame.UpdatedAt
		}
		r.emit(event)
	default:
		r.logger.Debug().Str("type", frame.Type).Msg("ignoring unknown frame")
	}
}

func (r *Realtime) emit(event Event) {
	r.mu.Lock()
	targets := make([]func(Event), 0, len(r.listeners[event.ID]))
	for _, l := range r.listeners[event.ID] {
		targets = append(targets, l.fn)
	}
	r.mu.Unlock()
	for _, fn := range targets {
		fn(event)
	}
}

func (r *Realtime) connectionLost(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	r.mu.Lock()
	if r.closed || r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.failWaitersLocked()
	r.mu.Unlock()

	if !r.reconnect {
		r.logger.Debug().Err(cause).Msg("realtime connection lost")
		r.finish(fmt.Errorf("%w: %v", ErrClosed, cause))
		return
	}

	r.logger.Info().Err(cause).Msg("realtime connection lost, reconnecting")
	fresh, err := backoff.Retry(r.ctx, func() (*websocket.Conn, error) {
		next, err := r.dial(r.ctx)
		if IsStatus(err, http.StatusUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return next, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxElapsedTime(r.maxReconnect),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
		}),
	)
	if err != nil {
		r.finish(fmt.Errorf("%w: reconnect: %v", ErrClosed, err))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = fresh.Close()
		return
	}
	r.conn = fresh
	rooms := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()

	go r.readLoop(fresh)

	for _, id := range rooms {
		ctx, cancel := context.WithTimeout(r.ctx, realtimeWriteWait)
		err := r.Join(ctx, id)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Str("workspace_id", id).Msg("rejoin failed")
			continue
		}
		r.emit(Event{Type: EventReconnected, ID: id})
	}
}

func (r *Realtime) failWaitersLocked() {
	for id, queue := range r.waiters {
		for _, w := range queue {
			close(w)
		}
		delete(r.waiters, id)
	}
}

func (r *Realtime) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.err = err
	r.conn = nil
	r.failWaitersLocked()
	r.cancel()
	close(r.done)
}
