package agent

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/taskroom/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

type WSOption func(*WSTransport)

// WithBackoff sets the first and the largest delay between reconnects.
func WithBackoff(initial, maxDelay time.Duration) WSOption {
	return func(t *WSTransport) {
		t.initialBackoff = initial
		t.maxBackoff = maxDelay
	}
}

func WithHeader(h http.Header) WSOption {
	return func(t *WSTransport) { t.header = h }
}

// WSTransport is a Transport over a gorilla websocket that redials with
// capped exponential backoff until closed.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]map[uint64]Handler
	nextID   uint64
	socketID string

	writeMu   sync.Mutex
	connected atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSTransport(url string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		url:            url,
		dialer:         websocket.DefaultDialer,
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		handlers:       make(map[string]map[uint64]Handler),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run dials and serves the connection, redialing after every drop, until
// ctx is cancelled or Close is called.
func (t *WSTransport) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialBackoff
	b.MaxInterval = t.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err != nil {
			wait := b.NextBackOff()
			log.Printf("agent: dial %s failed, retrying in %v: %v", t.url, wait, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		t.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		default:
		}
	}
}

// serve owns conn until it fails.
func (t *WSTransport) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)
	log.Printf("🔌 agent: connected to %s", t.url)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		case <-stop:
			return
		}
		conn.Close()
	}()

	t.dispatch(protocol.EventConnect, nil)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("agent: read error: %v", err)
			}
			break
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			log.Printf("agent: dropping bad frame: %v", err)
			continue
		}
		if env.Event == protocol.EventConnectionConfirmed {
			var cc protocol.ConnectionConfirmed
			if json.Unmarshal(env.Data, &cc) == nil {
				t.mu.Lock()
				t.socketID = cc.SocketID
				t.mu.Unlock()
			}
		}
		t.dispatch(env.Event, env.Data)
	}

	t.connected.Store(false)
	t.mu.Lock()
	t.conn = nil
	t.socketID = ""
	t.mu.Unlock()
	conn.Close()
	log.Printf("🔌 agent: disconnected from %s", t.url)

	t.dispatch(protocol.EventDisconnect, nil)
}

// dispatch runs handlers on the read goroutine. No frame is read until
// they return.
func (t *WSTransport) dispatch(event string, data json.RawMessage) {
	t.mu.Lock()
	hs := make([]Handler, 0, len(t.handlers[event]))
	for _, h := range t.handlers[event] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (t *WSTransport) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !t.connected.Load() {
		return ErrTransportDisconnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WSTransport) Subscribe(event string, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[uint64]Handler)
	}
	t.handlers[event][id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[event], id)
	}
}

func (t *WSTransport) IsConnected() bool {
	return t.connected.Load()
}

// SocketID is the id the gateway assigned to the current connection.
func (t *WSTransport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socketID
}

// Close stops Run and drops the current connection.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
