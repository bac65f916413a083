package eventlog

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
)

// Relay defaults.
const (
	DefaultRelayQueue        = 256
	DefaultRelayWriteTimeout = 5 * time.Second
)

// RelayOptions configures Relay.
type RelayOptions struct {
	// Token, when set, must be presented as ?token= by every observer.
	Token        string
	QueueSize    int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Relay broadcasts live ticks to connected WebSocket observers. There is no
// replay: an observer sees ticks from the moment it joined. An observer that
// cannot keep up or fails a write is dropped without affecting the others.
type Relay struct {
	token        string
	queueSize    int
	writeTimeout time.Duration
	logger       zerolog.Logger
	upgrader     websocket.Upgrader

	mu        sync.RWMutex
	observers map[string]*observer
	closed    bool
}

type observer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewRelay creates a relay.
func NewRelay(opts RelayOptions) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultRelayQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultRelayWriteTimeout
	}
	return &Relay{
		token:        opts.Token,
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		observers: make(map[string]*observer),
	}
}

// ServeHTTP upgrades the request and registers the observer. A token
// mismatch closes the connection right after the handshake.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("relay upgrade failed")
		return
	}

	if r.token != "" && subtle.ConstantTimeCompare([]byte(req.URL.Query().Get("token")), []byte(r.token)) != 1 {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(r.writeTimeout))
		conn.Close()
		r.logger.Warn().Str("remote", req.RemoteAddr).Msg("relay observer rejected")
		return
	}

	o := &observer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, r.queueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.observers[o.id] = o
	n := len(r.observers)
	r.mu.Unlock()

	observability.SetRelayObservers(n)
	r.logger.Debug().Str("observer", o.id).Msg("relay observer joined")

	go r.writeLoop(o)
	r.readLoop(o)
}

// OnTick broadcasts a tick. It satisfies broker.Consumer.
func (r *Relay) OnTick(t domain.Tick) {
	r.Broadcast(t)
}

// Broadcast sends a tick to every observer without blocking.
func (r *Relay) Broadcast(t domain.Tick) {
	data, err := json.Marshal(t)
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("marshal tick")
		return
	}

	var slow []*observer
	r.mu.RLock()
	for _, o := range r.observers {
		select {
		case o.send <- data:
		default:
			slow = append(slow, o)
		}
	}
	r.mu.RUnlock()

	for _, o := range slow {
		observability.RecordRelayDrop()
		r.logger.Warn().Str("observer", o.id).Msg("relay observer too slow, dropped")
		r.remove(o)
	}
}

// Count returns the number of connected observers.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Close disconnects every observer.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	observers := make([]*observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.Unlock()

	for _, o := range observers {
		r.remove(o)
	}
}

// readLoop discards inbound frames and detects disconnects.
func (r *Relay) readLoop(o *observer) {
	defer r.remove(o)
	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Relay) writeLoop(o *observer) {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				observability.RecordRelayDrop()
				r.logger.Debug().Err(err).Str("observer", o.id).Msg("relay write failed")
				r.remove(o)
				return
			}
		}
	}
}

func (r *Relay) remove(o *observer) {
	o.once.Do(func() {
		r.mu.Lock()
		delete(r.observers, o.id)
		n := len(r.observers)
		r.mu.Unlock()

		close(o.done)
		o.conn.Close()
		observability.SetRelayObservers(n)
	})
}
