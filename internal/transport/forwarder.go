// Package transport forwards breakpoint events to a controller over a
// WebSocket. The forwarder is outbound-only: it dials out, identifies
// itself, and streams event payloads. Delivery is best effort; a full
// queue drops the oldest payload so a slow controller can never stall
// the monitored process.
package transport

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/capture"
	"github.com/dshills/luatap/internal/control"
	"github.com/dshills/luatap/internal/event"
	"github.com/dshills/luatap/internal/logging"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 10
	defaultBaseDelay   = time.Second
	maxReconnectDelay  = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Forwarder streams payloads to one WebSocket endpoint with reconnect
// and exponential backoff.
type Forwarder struct {
	url     string
	agentID string

	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.RWMutex
	conn *websocket.Conn

	maxAttempts int
	baseDelay   time.Duration
	log         *logging.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithQueueSize sets the outbound queue depth.
func WithQueueSize(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan []byte, n)
		}
	}
}

// WithLogger sets the forwarder's logger.
func WithLogger(log *logging.Logger) Option {
	return func(f *Forwarder) { f.log = log }
}

// WithMaxAttempts caps consecutive failed dials before giving up.
func WithMaxAttempts(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the initial reconnect delay.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.baseDelay = d
		}
	}
}

// WithAgentID overrides the generated agent identity.
func WithAgentID(id string) Option {
	return func(f *Forwarder) {
		if id != "" {
			f.agentID = id
		}
	}
}

// NewForwarder creates a forwarder for the given ws:// or wss:// URL.
func NewForwarder(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:         url,
		agentID:     uuid.New().String(),
		queue:       make(chan []byte, defaultQueueSize),
		done:        make(chan struct{}),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AgentID returns the identity sent to the controller.
func (f *Forwarder) AgentID() string { return f.agentID }

// Start launches the connection loop.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop closes the forwarder and waits for the loop to exit.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.done) })

	f.mu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// Enqueue queues a payload for delivery. When the queue is full the
// oldest payload is dropped to make room; Enqueue reports whether the
// payload was queued without a drop.
func (f *Forwarder) Enqueue(payload []byte) bool {
	select {
	case <-f.done:
		f.dropped.Add(1)
		return false
	default:
	}

	select {
	case f.queue <- payload:
		return true
	default:
	}

	select {
	case <-f.queue:
		f.dropped.Add(1)
	default:
	}
	f.queue <- payload
	return false
}

// Stats returns the delivered and dropped payload counts.
func (f *Forwarder) Stats() (sent, dropped uint64) {
	return f.sent.Load(), f.dropped.Load()
}

// AttachBus subscribes the forwarder to a debugger event bus, encoding
// each notification for the wire.
func (f *Forwarder) AttachBus(bus *event.Bus, lim capture.Limits) (event.Subscription, error) {
	return bus.Subscribe(func(ev any) {
		n, ok := ev.(breakpoint.Notification)
		if !ok {
			return
		}
		f.Enqueue(control.EncodeNotification(f.agentID, n, lim))
	})
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	attempts := 0
	for {
		select {
		case <-f.done:
			return
		default:
		}

		conn, err := f.dial()
		if err != nil {
			attempts++
			if attempts >= f.maxAttempts {
				f.log.Error("giving up after %d failed connects: %v", attempts, err)
				return
			}
			delay := f.baseDelay * time.Duration(1<<uint(attempts-1))
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			f.log.Warn("connect failed, retrying in %v: %v", delay, err)
			select {
			case <-f.done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		f.log.Info("connected to %s", f.url)
		if !f.writeLoop(conn) {
			return
		}
	}
}

func (f *Forwarder) dial() (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("X-Agent-ID", f.agentID)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, headers)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return conn, nil
}

// writeLoop drains the queue onto the connection. It returns false when
// the forwarder is stopping and true when the connection should be
// re-dialed.
func (f *Forwarder) writeLoop(conn *websocket.Conn) bool {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		select {
		case <-f.done:
			return false
		case <-readDone:
			f.log.Warn("connection lost, reconnecting")
			return true
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return true
			}
		case msg := <-f.queue:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				f.log.Warn("write failed: %v", err)
				f.dropped.Add(1)
				return true
			}
			f.sent.Add(1)
		}
	}
}
