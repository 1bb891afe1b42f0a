package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vvinit594/Flowwdeck/internal/auth"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

// testConfig returns a Config with fast retries and keepalive disabled so
// tests never sleep for real-world durations.
func testConfig(dial DialFunc) Config {
	return Config{
		URL:            "ws://test",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxAttempts:    3,
		DialTimeout:    time.Second,
		PingInterval:   0, // keepalive off
		Dial:           dial,
	}
}

// pipeDialer hands out the client end of a net.Pipe and delivers the server
// end on a channel. A goroutine drains client frames so writes never block.
type pipeDialer struct {
	calls   int32
	servers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 8)}
}

func (d *pipeDialer) dial(ctx context.Context, url string, token string) (net.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	client, server := net.Pipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	return int(atomic.LoadInt32(&d.calls))
}

// drainClient discards client frames so that net.Pipe writes do not block.
func drainClient(conn net.Conn) {
	go func() {
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}()
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Test: Connect success walks disconnected -> connecting -> connected
// ---------------------------------------------------------------------------

func TestEnsureConnected_Success(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider("tok"))

	var mu sync.Mutex
	var transitions []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainClient(<-d.servers)

	if m.State() != StateConnected {
		t.Fatalf("expected state %q, got %q", StateConnected, m.State())
	}
	waitFor(t, "state transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if transitions[0] != StateConnecting || transitions[1] != StateConnected {
		t.Errorf("unexpected transition order: %v", transitions)
	}
}

// ---------------------------------------------------------------------------
// Test: Missing token aborts before any network call
// ---------------------------------------------------------------------------

func TestEnsureConnected_AuthMissing(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider(""))

	err := m.EnsureConnected(context.Background())
	if !errors.Is(err, ErrAuthMissing) {
		t.Fatalf("expected ErrAuthMissing, got %v", err)
	}
	if d.dialCount() != 0 {
		t.Errorf("expected no dial attempts, got %d", d.dialCount())
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected state %q, got %q", StateDisconnected, m.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Exhausted retry budget surfaces ErrConnectionUnavailable
// ---------------------------------------------------------------------------

func TestEnsureConnected_RetryExhaustion(t *testing.T) {
	var calls int32
	dial := func(ctx context.Context, url, token string) (net.Conn, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("refused")
	}
	m := NewManager(testConfig(dial), auth.StaticProvider("tok"))

	err := m.EnsureConnected(context.Background())
	if !errors.Is(err, ErrConnectionUnavailable) {
		t.Fatalf("expected ErrConnectionUnavailable, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 dial attempts, got %d", n)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected state %q, got %q", StateDisconnected, m.State())
	}

	// No silent retry loop: the count must stay put until an explicit call.
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected no background retries, got %d total dials", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Concurrent callers share a single connect cycle
// ---------------------------------------------------------------------------

func TestEnsureConnected_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	d := newPipeDialer()
	dial := func(ctx context.Context, url, token string) (net.Conn, error) {
		<-release
		return d.dial(ctx, url, token)
	}
	m := NewManager(testConfig(dial), auth.StaticProvider("tok"))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureConnected(context.Background())
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	drainClient(<-d.servers)

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: unexpected error: %v", i, err)
		}
	}
	if d.dialCount() != 1 {
		t.Errorf("expected exactly 1 dial, got %d", d.dialCount())
	}

	// A further call while connected reuses the session.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.dialCount() != 1 {
		t.Errorf("expected no additional dial, got %d", d.dialCount())
	}
}

// ---------------------------------------------------------------------------
// Test: Transport drop triggers reconnecting -> connected
// ---------------------------------------------------------------------------

func TestReconnectOnDrop(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider("tok"))

	var mu sync.Mutex
	var transitions []State
	m.OnStateChange(func(s State) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := <-d.servers
	drainClient(first)

	// Kill the transport out from under the client.
	first.Close()

	waitFor(t, "second dial", func() bool { return d.dialCount() == 2 })
	drainClient(<-d.servers)
	waitFor(t, "reconnected", func() bool { return m.State() == StateConnected })

	waitFor(t, "reconnecting transition", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range transitions {
			if s == StateReconnecting {
				return true
			}
		}
		return false
	})
}

// ---------------------------------------------------------------------------
// Test: Token revoked at drop time lands in disconnected, no redial
// ---------------------------------------------------------------------------

func TestDropWithRevokedToken(t *testing.T) {
	d := newPipeDialer()
	var revoked atomic.Bool
	provider := auth.ProviderFunc(func() string {
		if revoked.Load() {
			return ""
		}
		return "tok"
	})
	m := NewManager(testConfig(d.dial), provider)

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := <-d.servers
	drainClient(server)

	revoked.Store(true)
	server.Close()

	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	if d.dialCount() != 1 {
		t.Errorf("expected no redial without a token, got %d dials", d.dialCount())
	}
}

// ---------------------------------------------------------------------------
// Test: Teardown closes deterministically; a new lifecycle can start after
// ---------------------------------------------------------------------------

func TestTeardown(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider("tok"))

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainClient(<-d.servers)

	m.Teardown()
	if m.State() != StateDisconnected {
		t.Fatalf("expected state %q, got %q", StateDisconnected, m.State())
	}
	if err := m.Send(protocol.TypePing, protocol.PingEvent{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after teardown, got %v", err)
	}

	// Give the dropped read loop a moment: it must not trigger a reconnect.
	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("expected no reconnect after teardown, got %d dials", d.dialCount())
	}

	// Fresh lifecycle on the next explicit call.
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainClient(<-d.servers)
	if m.State() != StateConnected {
		t.Errorf("expected state %q, got %q", StateConnected, m.State())
	}
}

// ---------------------------------------------------------------------------
// Test: A token refreshed during reconnect backoff is used on the next dial
// ---------------------------------------------------------------------------

func TestReconnectPicksUpRefreshedToken(t *testing.T) {
	var tokenMu sync.Mutex
	current := "tok-old"
	provider := auth.ProviderFunc(func() string {
		tokenMu.Lock()
		defer tokenMu.Unlock()
		return current
	})

	d := newPipeDialer()
	var dialMu sync.Mutex
	var dialTokens []string
	var failNext atomic.Bool
	dial := func(ctx context.Context, url, token string) (net.Conn, error) {
		dialMu.Lock()
		dialTokens = append(dialTokens, token)
		dialMu.Unlock()
		if failNext.CompareAndSwap(true, false) {
			// The refresh lands while this failed attempt backs off.
			tokenMu.Lock()
			current = "tok-new"
			tokenMu.Unlock()
			return nil, errors.New("refused")
		}
		return d.dial(ctx, url, token)
	}

	m := NewManager(testConfig(dial), provider)
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := <-d.servers
	drainClient(server)

	failNext.Store(true)
	server.Close()

	waitFor(t, "reconnected", func() bool { return m.State() == StateConnected })
	drainClient(<-d.servers)

	dialMu.Lock()
	defer dialMu.Unlock()
	if len(dialTokens) != 3 {
		t.Fatalf("expected 3 dials, got %d (%v)", len(dialTokens), dialTokens)
	}
	if dialTokens[1] != "tok-old" || dialTokens[2] != "tok-new" {
		t.Errorf("expected reconnect dials [tok-old tok-new], got %v", dialTokens[1:])
	}
}

// ---------------------------------------------------------------------------
// Test: Incoming frames are decoded and dispatched to registered handlers
// ---------------------------------------------------------------------------

func TestDispatch(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider("tok"))

	got := make(chan protocol.NewMessageEvent, 1)
	m.On(protocol.TypeNewMessage, func(evt interface{}) {
		if e, ok := evt.(protocol.NewMessageEvent); ok {
			got <- e
		}
	})

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := <-d.servers
	drainClient(server)

	frame := []byte(`{"type":"new_message","message":{"id":"m-1","conversationId":"c-1","senderId":"u-2","content":"hi","createdAt":"2026-08-01T10:00:00Z"}}`)
	if err := wsutil.WriteServerMessage(server, ws.OpText, frame); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case e := <-got:
		if e.Message.ID != "m-1" || e.Message.Content != "hi" {
			t.Errorf("unexpected event payload: %+v", e.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

// ---------------------------------------------------------------------------
// Test: Send writes a well-formed client event frame
// ---------------------------------------------------------------------------

func TestSend(t *testing.T) {
	d := newPipeDialer()
	m := NewManager(testConfig(d.dial), auth.StaticProvider("tok"))

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := <-d.servers

	frames := make(chan []byte, 1)
	go func() {
		data, err := wsutil.ReadClientText(server)
		if err == nil {
			frames <- data
		}
	}()

	err := m.Send(protocol.TypeMarkRead, protocol.MarkReadEvent{MessageID: "m-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case data := <-frames:
		var out map[string]interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("frame is not valid JSON: %v", err)
		}
		if out["type"] != protocol.TypeMarkRead {
			t.Errorf("expected type %q, got %v", protocol.TypeMarkRead, out["type"])
		}
		if out["messageId"] != "m-7" {
			t.Errorf("expected messageId %q, got %v", "m-7", out["messageId"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
	}
}
