package chat

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

const (
	// DefaultTypingDebounce coalesces rapid keystrokes into one typing
	// emission per window.
	DefaultTypingDebounce = 2 * time.Second

	// DefaultTypingIdle is how long after the last keystroke a stop_typing
	// is emitted locally.
	DefaultTypingIdle = 2 * time.Second

	// DefaultTypingFreshness is how long a remote typing signal stays
	// visible without a refresh. A dropped stop event cannot leave a
	// phantom indicator past this window.
	DefaultTypingFreshness = 5 * time.Second
)

// Connector ensures a live authenticated connection exists. Satisfied by
// *transport.Manager.
type Connector interface {
	EnsureConnected(ctx context.Context) error
}

// TrackerConfig holds typing timer windows.
type TrackerConfig struct {
	Debounce  time.Duration
	Idle      time.Duration
	Freshness time.Duration
}

// DefaultTrackerConfig returns production timer windows.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Debounce:  DefaultTypingDebounce,
		Idle:      DefaultTypingIdle,
		Freshness: DefaultTypingFreshness,
	}
}

// Tracker owns conversation-room membership and typing state: local typing
// intent with debounce, and remote typing signals with automatic age-out.
type Tracker struct {
	viewer protocol.UserID
	conn   Connector
	send   Sender
	config TrackerConfig

	mu         sync.Mutex
	joined     map[protocol.ConversationID]bool
	lastTyping map[protocol.ConversationID]time.Time
	stopTimers map[protocol.ConversationID]*time.Timer
	remote     map[protocol.ConversationID]map[protocol.UserID]*time.Timer
	closed     bool
}

// NewTracker creates an empty tracker for the given viewer.
func NewTracker(viewer protocol.UserID, conn Connector, send Sender, config TrackerConfig) *Tracker {
	return &Tracker{
		viewer:     viewer,
		conn:       conn,
		send:       send,
		config:     config,
		joined:     make(map[protocol.ConversationID]bool),
		lastTyping: make(map[protocol.ConversationID]time.Time),
		stopTimers: make(map[protocol.ConversationID]*time.Timer),
		remote:     make(map[protocol.ConversationID]map[protocol.UserID]*time.Timer),
	}
}

// JoinRoom registers server-side room membership so pushed events for the
// conversation reach this client. Idempotent: joining an already-joined room
// is a no-op. Ensures a live connection first.
func (t *Tracker) JoinRoom(ctx context.Context, id protocol.ConversationID) error {
	t.mu.Lock()
	if t.joined[id] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.conn.EnsureConnected(ctx); err != nil {
		return err
	}
	if err := t.send.Send(protocol.TypeJoinConversation, protocol.JoinConversationEvent{ConversationID: id}); err != nil {
		return err
	}

	t.mu.Lock()
	t.joined[id] = true
	t.mu.Unlock()
	return nil
}

// LeaveRoom removes room membership. Idempotent and safe to call for rooms
// that were never joined. Clears any remote typing state for the room.
func (t *Tracker) LeaveRoom(id protocol.ConversationID) {
	t.mu.Lock()
	wasJoined := t.joined[id]
	delete(t.joined, id)
	delete(t.lastTyping, id)
	if timer, ok := t.stopTimers[id]; ok {
		timer.Stop()
		delete(t.stopTimers, id)
	}
	t.clearRemoteLocked(id)
	t.mu.Unlock()

	if wasJoined {
		// Best effort; membership is also dropped server-side on disconnect.
		_ = t.send.Send(protocol.TypeLeaveConversation, protocol.LeaveConversationEvent{ConversationID: id})
	}
}

// Rejoin re-emits membership for every joined room. Called after a transport
// reconnect, where server-side membership was lost with the old session.
func (t *Tracker) Rejoin() {
	t.mu.Lock()
	rooms := make([]protocol.ConversationID, 0, len(t.joined))
	for id := range t.joined {
		rooms = append(rooms, id)
	}
	t.mu.Unlock()

	for _, id := range rooms {
		if err := t.send.Send(protocol.TypeJoinConversation, protocol.JoinConversationEvent{ConversationID: id}); err != nil {
			log.Printf("[rooms] rejoin %s failed: %v", id, err)
		}
	}
}

// SignalTyping reports a local keystroke. At most one typing event is
// emitted per debounce window; a stop_typing emission is scheduled for when
// the keystrokes go idle. Both are local timers, independent of the server.
func (t *Tracker) SignalTyping(id protocol.ConversationID) {
	now := time.Now()

	t.mu.Lock()
	emit := now.Sub(t.lastTyping[id]) >= t.config.Debounce
	if emit {
		t.lastTyping[id] = now
	}
	if timer, ok := t.stopTimers[id]; ok {
		timer.Stop()
	}
	t.stopTimers[id] = time.AfterFunc(t.config.Idle, func() { t.stopTyping(id) })
	t.mu.Unlock()

	if emit {
		_ = t.send.Send(protocol.TypeTyping, protocol.TypingEvent{ConversationID: id})
	}
}

// StopTyping emits an immediate stop_typing, e.g. when a message is sent.
func (t *Tracker) StopTyping(id protocol.ConversationID) {
	t.mu.Lock()
	if timer, ok := t.stopTimers[id]; ok {
		timer.Stop()
		delete(t.stopTimers, id)
	}
	delete(t.lastTyping, id)
	t.mu.Unlock()

	_ = t.send.Send(protocol.TypeStopTyping, protocol.StopTypingEvent{ConversationID: id})
}

// stopTyping is the idle-timer callback.
func (t *Tracker) stopTyping(id protocol.ConversationID) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.stopTimers, id)
	delete(t.lastTyping, id)
	t.mu.Unlock()

	_ = t.send.Send(protocol.TypeStopTyping, protocol.StopTypingEvent{ConversationID: id})
}

// ApplyTyping records a remote user's typing signal and (re)arms its
// freshness timer. Signals from the viewer are ignored.
func (t *Tracker) ApplyTyping(evt protocol.UserTypingEvent) {
	if evt.UserID == t.viewer {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	room := t.remote[evt.ConversationID]
	if room == nil {
		room = make(map[protocol.UserID]*time.Timer)
		t.remote[evt.ConversationID] = room
	}
	if timer, ok := room[evt.UserID]; ok {
		timer.Stop()
	}
	convID, userID := evt.ConversationID, evt.UserID
	room[userID] = time.AfterFunc(t.config.Freshness, func() {
		t.expireRemote(convID, userID)
	})
}

// ApplyStopTyping clears a remote user's typing signal.
func (t *Tracker) ApplyStopTyping(evt protocol.UserStopTypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.remote[evt.ConversationID]; ok {
		if timer, ok := room[evt.UserID]; ok {
			timer.Stop()
			delete(room, evt.UserID)
		}
	}
}

// expireRemote is the freshness-timer callback: the signal aged out without
// a refresh.
func (t *Tracker) expireRemote(id protocol.ConversationID, user protocol.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.remote[id]; ok {
		delete(room, user)
	}
}

// ObserveTyping returns the users currently judged to be typing in the room,
// sorted for stable rendering.
func (t *Tracker) ObserveTyping(id protocol.ConversationID) []protocol.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.remote[id]
	out := make([]protocol.UserID, 0, len(room))
	for user := range room {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// clearRemoteLocked stops and removes all remote typing timers for a room.
func (t *Tracker) clearRemoteLocked(id protocol.ConversationID) {
	if room, ok := t.remote[id]; ok {
		for _, timer := range room {
			timer.Stop()
		}
		delete(t.remote, id)
	}
}

// Close stops all timers. The tracker must not be used afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, timer := range t.stopTimers {
		timer.Stop()
	}
	t.stopTimers = make(map[protocol.ConversationID]*time.Timer)
	for id := range t.remote {
		t.clearRemoteLocked(id)
	}
}
