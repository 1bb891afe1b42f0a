// Package transport owns the single authenticated duplex connection to the
// messaging backend. It hides transport-level reconnection from callers,
// exposes lifecycle-state transitions to observers, and dispatches incoming
// events to registered handlers by type.
package transport

import (
	"context"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vvinit594/Flowwdeck/internal/auth"
	"github.com/vvinit594/Flowwdeck/internal/metrics"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

// DialFunc establishes the underlying connection. The default implementation
// performs a WebSocket handshake with the token in the Authorization header;
// tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, url string, token string) (net.Conn, error)

// Config holds tunable parameters for the connection manager. The retry
// values mirror the production client: 1s initial delay doubling to a 5s cap,
// 5 attempts, then the user must explicitly retry.
type Config struct {
	URL            string        // WebSocket endpoint
	InitialBackoff time.Duration // delay before the second dial attempt
	MaxBackoff     time.Duration // cap on the backoff delay
	MaxAttempts    int           // dial attempts per connect cycle
	DialTimeout    time.Duration // per-dial handshake timeout
	PingInterval   time.Duration // application-level keepalive interval
	PongTimeout    time.Duration // grace period after a silent interval
	Dial           DialFunc      // nil means the WebSocket dialer
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		MaxAttempts:    5,
		DialTimeout:    10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// EventHandler handles a decoded server event. Handlers run on the read-loop
// goroutine and must not block for extended periods.
type EventHandler func(evt interface{})

// attempt is a single connect cycle that concurrent EnsureConnected callers
// can join instead of starting a second one.
type attempt struct {
	done chan struct{}
	err  error
}

// Manager maintains at most one live authenticated connection. A new connect
// request while one is pending or open joins it rather than opening a second
// session.
type Manager struct {
	config Config
	tokens auth.TokenProvider

	mu           sync.Mutex
	state        State
	conn         net.Conn
	gen          int // bumped on every new session and on teardown
	pending      *attempt
	lastActivity time.Time

	writeMu sync.Mutex // serializes outbound frames

	listenerMu   sync.Mutex
	listeners    []func(State)
	noteQueue    []State
	noteDraining bool

	handlerMu sync.RWMutex
	handlers  map[string]EventHandler
}

// NewManager creates a Manager in the disconnected state. No network activity
// happens until EnsureConnected is called.
func NewManager(config Config, tokens auth.TokenProvider) *Manager {
	if config.Dial == nil {
		config.Dial = wsDial
	}
	return &Manager{
		config:   config,
		tokens:   tokens,
		state:    StateDisconnected,
		handlers: make(map[string]EventHandler),
	}
}

// wsDial is the default DialFunc: a WebSocket handshake carrying the access
// token as a bearer Authorization header.
func wsDial(ctx context.Context, url string, token string) (net.Conn, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	conn, _, _, err := dialer.Dial(ctx, url)
	return conn, err
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener fired on every lifecycle transition.
// Listeners run on whichever goroutine drives the transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

// On registers a handler for a server event type. Only one handler per type
// is supported; registering a second replaces the first.
func (m *Manager) On(evtType string, handler EventHandler) {
	m.handlerMu.Lock()
	m.handlers[evtType] = handler
	m.handlerMu.Unlock()
}

// EnsureConnected blocks until a live authenticated connection exists, or
// fails with ErrAuthMissing (no token; no network attempt is made) or
// ErrConnectionUnavailable (retry budget exhausted). If a connect cycle is
// already in flight the caller joins it instead of starting another.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if p := m.pending; p != nil {
		m.mu.Unlock()
		return waitAttempt(ctx, p)
	}

	if m.tokens.Token() == "" {
		m.mu.Unlock()
		return ErrAuthMissing
	}

	p := &attempt{done: make(chan struct{})}
	m.pending = p
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.runAttempt(p, false)
	return waitAttempt(ctx, p)
}

// waitAttempt blocks until the attempt resolves or the caller's context is
// cancelled. Cancellation abandons the wait, not the attempt: another caller
// may still be joined to it.
func waitAttempt(ctx context.Context, p *attempt) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send marshals a client event and writes it as a single text frame. It
// fails with ErrNotConnected when no live connection exists; it never blocks
// waiting for one.
func (m *Manager) Send(evtType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientEvent(evtType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Teardown closes the connection deterministically and cancels any in-flight
// connect cycle. A subsequent EnsureConnected starts a fresh lifecycle.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.pending = nil
	changed := m.state != StateDisconnected
	if changed {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		log.Printf("[transport] teardown")
	}
}

// runAttempt drives one connect cycle: bounded-backoff dialing, session
// startup on success, terminal state on failure.
func (m *Manager) runAttempt(p *attempt, reconnect bool) {
	m.mu.Lock()
	startGen := m.gen
	m.mu.Unlock()

	err := m.connectLoop(p, startGen, reconnect)

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	if err != nil && m.gen == startGen && m.state != StateConnected {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	p.err = err
	close(p.done)
}

// connectLoop dials with exponential backoff until success, budget
// exhaustion, or teardown. The token is re-read from the provider before
// every dial so a refresh during the backoff window is picked up mid-cycle.
func (m *Manager) connectLoop(p *attempt, startGen int, reconnect bool) error {
	backoff := m.config.InitialBackoff

	for attemptN := 1; attemptN <= m.config.MaxAttempts; attemptN++ {
		if m.genChanged(startGen) {
			return errTornDown
		}
		token := m.tokens.Token()
		if token == "" {
			return ErrAuthMissing
		}
		if reconnect {
			metrics.ReconnectsTotal.Inc()
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
		conn, err := m.config.Dial(ctx, m.config.URL, token)
		cancel()

		if err == nil {
			if m.startSession(conn, startGen) {
				return nil
			}
			// Torn down while dialing; the session was not adopted.
			_ = conn.Close()
			return errTornDown
		}

		log.Printf("[transport] dial attempt %d/%d failed: %v", attemptN, m.config.MaxAttempts, err)
		if attemptN == m.config.MaxAttempts {
			break
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > m.config.MaxBackoff {
			backoff = m.config.MaxBackoff
		}
	}

	return ErrConnectionUnavailable
}

// startSession adopts a freshly dialed connection and launches its read and
// keepalive loops. The session is keyed by a new generation so that loops of
// an older session cannot touch newer state. Returns false when the manager
// was torn down while the dial was in flight.
func (m *Manager) startSession(conn net.Conn, startGen int) bool {
	m.mu.Lock()
	if m.gen != startGen {
		m.mu.Unlock()
		return false
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.lastActivity = time.Now()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	log.Printf("[transport] connected")
	go m.readLoop(conn, gen)
	go m.keepalive(conn, gen)
	return true
}

// readLoop reads frames until the connection drops, dispatching each decoded
// event to its registered handler.
func (m *Manager) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.lastActivity = time.Now()
		m.mu.Unlock()

		m.dispatch(data)
	}
}

// dispatch decodes one inbound frame and routes it. Pong is handled
// internally; unknown types and parse errors are logged and dropped rather
// than surfaced, since a single bad frame must not kill the session.
func (m *Manager) dispatch(data []byte) {
	evtType, evt, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("[transport] dispatch parse error: %v", err)
		return
	}

	if evtType == protocol.TypePong {
		return // lastActivity already refreshed by the read loop
	}
	if e, ok := evt.(protocol.ErrorEvent); ok {
		log.Printf("[transport] server error code=%s: %s", e.Code, e.Message)
		return
	}

	m.handlerMu.RLock()
	handler, ok := m.handlers[evtType]
	m.handlerMu.RUnlock()
	if !ok {
		log.Printf("[transport] unhandled event type=%q", evtType)
		return
	}
	handler(evt)
}

// handleDrop reacts to a read failure: if the session is still current and
// was not torn down, it transitions to reconnecting and starts a fresh
// connect cycle with the same bounded budget.
func (m *Manager) handleDrop(conn net.Conn, gen int, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		// Torn down or superseded; nothing to recover.
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if m.tokens.Token() == "" {
		// Credential revoked while connected: terminal disconnect.
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		log.Printf("[transport] connection lost and no token available: %v", cause)
		return
	}

	p := &attempt{done: make(chan struct{})}
	m.pending = p
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	log.Printf("[transport] connection lost, reconnecting: %v", cause)
	m.runAttempt(p, true)
}

// keepalive periodically sends an application-level ping and closes the
// connection when nothing has been read for a full interval plus the pong
// grace period. The read loop then notices the closed connection and drives
// the reconnect.
func (m *Manager) keepalive(conn net.Conn, gen int) {
	if m.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		current := m.gen == gen
		idle := time.Since(m.lastActivity)
		m.mu.Unlock()
		if !current {
			return
		}

		if idle > m.config.PingInterval+m.config.PongTimeout {
			log.Printf("[transport] keepalive timeout after %s of silence", idle.Round(time.Second))
			_ = conn.Close()
			return
		}

		if err := m.Send(protocol.TypePing, protocol.PingEvent{}); err != nil {
			return
		}
	}
}

// genChanged reports whether the manager moved past the given generation.
func (m *Manager) genChanged(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// setStateLocked records a transition and queues observer notification.
// Callers must hold m.mu. Notifications are delivered in transition order on
// a separate goroutine, so listeners are free to call back into the manager.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.ConnectionState.Set(s.ordinal())

	m.listenerMu.Lock()
	m.noteQueue = append(m.noteQueue, s)
	if !m.noteDraining {
		m.noteDraining = true
		go m.drainNotes()
	}
	m.listenerMu.Unlock()
}

// drainNotes delivers queued state transitions to listeners, in order.
func (m *Manager) drainNotes() {
	for {
		m.listenerMu.Lock()
		if len(m.noteQueue) == 0 {
			m.noteDraining = false
			m.listenerMu.Unlock()
			return
		}
		s := m.noteQueue[0]
		m.noteQueue = m.noteQueue[1:]
		listeners := make([]func(State), len(m.listeners))
		copy(listeners, m.listeners)
		m.listenerMu.Unlock()

		for _, fn := range listeners {
			fn(s)
		}
	}
}
