package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vvinit594/Flowwdeck/internal/metrics"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

// Sender emits a client event over the duplex channel. Satisfied by
// *transport.Manager.
type Sender interface {
	Send(evtType string, payload interface{}) error
}

// HistoryFetcher fetches one page of message history. Satisfied by
// *rest.Client.
type HistoryFetcher interface {
	Messages(ctx context.Context, conversationID protocol.ConversationID, before string, limit int) ([]protocol.Message, error)
}

// ViewMessage is one entry of the reconciled view the UI renders. Pending
// marks an optimistic local entry awaiting the server echo; Failed marks an
// entry whose emission failed and which may be retried.
type ViewMessage struct {
	protocol.Message
	Pending bool
	Failed  bool
}

// ConversationView is a read-only snapshot of the open conversation.
type ConversationView struct {
	ConversationID protocol.ConversationID
	Messages       []ViewMessage
	Loading        bool
	LoadErr        error // set when the seed fetch failed; retry via OpenConversation
}

// Reconciler merges REST-fetched history with live pushed messages into one
// gap-free, duplicate-free, (createdAt, id)-ordered view for the currently
// open conversation. Pushes that arrive while the seeding fetch is in flight
// are buffered and merged rather than dropped or duplicated; a fetch that
// resolves after the open conversation changed is discarded.
type Reconciler struct {
	viewer   protocol.UserID
	send     Sender
	history  HistoryFetcher
	pageSize int

	mu       sync.Mutex
	open     protocol.ConversationID
	gen      int // bumped on every OpenConversation; stale-fetch guard
	loading  bool
	loadErr  error
	buffered []protocol.Message
	entries  []*ViewMessage
	byID     map[protocol.MessageID]*ViewMessage
	byCorr   map[string]*ViewMessage
}

// NewReconciler creates an empty reconciler for the given viewer.
func NewReconciler(viewer protocol.UserID, send Sender, history HistoryFetcher, pageSize int) *Reconciler {
	return &Reconciler{
		viewer:   viewer,
		send:     send,
		history:  history,
		pageSize: pageSize,
		byID:     make(map[protocol.MessageID]*ViewMessage),
		byCorr:   make(map[string]*ViewMessage),
	}
}

// OpenConversation resets the store to the given conversation and seeds it
// with the most recent history page. The fetch is retried once automatically;
// after that the error is recorded on the view and ErrHistoryFetchFailed is
// returned (recoverable: call OpenConversation again to retry). A result that
// resolves after a newer OpenConversation call is discarded and reported as
// ErrStaleResponse.
func (r *Reconciler) OpenConversation(ctx context.Context, id protocol.ConversationID) error {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.open = id
	r.loading = true
	r.loadErr = nil
	r.buffered = nil
	r.entries = nil
	r.byID = make(map[protocol.MessageID]*ViewMessage)
	r.byCorr = make(map[string]*ViewMessage)
	r.mu.Unlock()

	start := time.Now()
	page, err := r.history.Messages(ctx, id, "", r.pageSize)
	if err != nil {
		log.Printf("[stream] history fetch for %s failed, retrying once: %v", id, err)
		page, err = r.history.Messages(ctx, id, "", r.pageSize)
	}
	metrics.HistoryFetchDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gen != gen {
		// The open conversation changed while the fetch was in flight; the
		// result belongs to nobody now.
		return ErrStaleResponse
	}
	r.loading = false

	if err != nil {
		r.loadErr = ErrHistoryFetchFailed
		// Pushes that raced the failed fetch are dropped with it; the retry
		// refetches a page that includes them.
		r.buffered = nil
		log.Printf("[stream] history fetch for %s failed after retry: %v", id, err)
		return ErrHistoryFetchFailed
	}

	for _, msg := range page {
		r.insertLocked(msg)
	}
	// Merge pushes that raced the fetch. insertLocked dedupes against the
	// page by id.
	for _, msg := range r.buffered {
		r.insertLocked(msg)
	}
	r.buffered = nil
	return nil
}

// Apply routes one live-pushed message into the store. It returns true when
// the message belongs to the open conversation (and is now part of the
// reconciled view); false means the caller should route it to the
// conversation directory instead of rendering it.
func (r *Reconciler) Apply(msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open == "" || msg.ConversationID != r.open {
		return false
	}
	if r.loading {
		r.buffered = append(r.buffered, msg)
		return true
	}
	r.insertLocked(msg)
	return true
}

// insertLocked adds a message to the ordered store, deduplicating by id and
// reconciling server echoes against optimistic entries by correlation id.
// Read status never regresses.
func (r *Reconciler) insertLocked(msg protocol.Message) {
	if existing, ok := r.byID[msg.ID]; ok {
		// Duplicate delivery; only fold in a read receipt we lack.
		if existing.ReadAt == nil && msg.ReadAt != nil {
			existing.ReadAt = msg.ReadAt
		}
		return
	}

	if msg.CorrelationID != "" {
		if pending, ok := r.byCorr[msg.CorrelationID]; ok {
			// Server echo of an optimistic send: replace in place.
			if msg.ReadAt == nil && pending.ReadAt != nil {
				msg.ReadAt = pending.ReadAt
			}
			pending.Message = msg
			pending.Pending = false
			pending.Failed = false
			delete(r.byCorr, msg.CorrelationID)
			r.byID[msg.ID] = pending
			r.sortLocked()
			return
		}
	}

	vm := &ViewMessage{Message: msg}
	r.entries = append(r.entries, vm)
	r.byID[msg.ID] = vm
	r.sortLocked()
}

// sortLocked keeps entries ordered by (createdAt, id). Identifiers are
// monotonic per conversation, so the id is a stable tie-break.
func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return lessID(a.ID, b.ID)
	})
}

// lessID orders message ids. The backend assigns numeric increasing ids, so
// when both sides parse as integers they compare numerically (id 10 sorts
// after id 9, not before); anything else falls back to lexicographic order.
func lessID(a, b protocol.MessageID) bool {
	na, errA := strconv.ParseUint(string(a), 10, 64)
	nb, errB := strconv.ParseUint(string(b), 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// SendMessage validates content, appends an optimistic pending entry to the
// open view, and emits the send intent carrying a client-generated
// correlation id. Only the open conversation accepts sends: the optimistic
// entry lives in the open view, so a send anywhere else could fail with no
// visible marker and is rejected with ErrConversationNotOpen instead. When
// the emission fails the entry is marked failed (visible, retryable) and the
// transport cause is returned wrapped in ErrSendFailed.
func (r *Reconciler) SendMessage(conversationID protocol.ConversationID, content string) (string, error) {
	if err := ValidateContent(content); err != nil {
		return "", err
	}

	corrID := uuid.NewString()
	vm := &ViewMessage{
		Message: protocol.Message{
			ConversationID: conversationID,
			SenderID:       r.viewer,
			Content:        content,
			CorrelationID:  corrID,
			CreatedAt:      time.Now(),
		},
		Pending: true,
	}

	r.mu.Lock()
	if conversationID != r.open {
		r.mu.Unlock()
		return "", ErrConversationNotOpen
	}
	r.entries = append(r.entries, vm)
	r.byCorr[corrID] = vm
	r.sortLocked()
	r.mu.Unlock()

	if err := r.emit(vm); err != nil {
		return corrID, err
	}
	return corrID, nil
}

// RetryMessage re-emits a previously failed optimistic entry.
func (r *Reconciler) RetryMessage(corrID string) error {
	r.mu.Lock()
	vm, ok := r.byCorr[corrID]
	if !ok || !vm.Failed {
		r.mu.Unlock()
		return ErrUnknownMessage
	}
	vm.Failed = false
	vm.Pending = true
	r.mu.Unlock()

	return r.emit(vm)
}

// emit sends the message intent over the duplex channel, flipping the entry
// to failed when the emission cannot happen. Failed entries are never
// removed from the view.
func (r *Reconciler) emit(vm *ViewMessage) error {
	err := r.send.Send(protocol.TypeSendMessage, protocol.SendMessageEvent{
		ConversationID: vm.ConversationID,
		Content:        vm.Content,
		MessageType:    "text",
		CorrelationID:  vm.CorrelationID,
	})
	if err != nil {
		r.mu.Lock()
		vm.Pending = false
		vm.Failed = true
		r.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// MarkRead optimistically marks a message read and emits the read-receipt
// intent. Read state is monotonic: a message once read never reverts.
func (r *Reconciler) MarkRead(messageID protocol.MessageID) error {
	now := time.Now()
	r.mu.Lock()
	if vm, ok := r.byID[messageID]; ok && vm.ReadAt == nil {
		vm.ReadAt = &now
	}
	r.mu.Unlock()

	return r.send.Send(protocol.TypeMarkRead, protocol.MarkReadEvent{MessageID: messageID})
}

// ApplyRead folds in a read receipt pushed from the remote peer: the
// viewer's own sent message now shows as read.
func (r *Reconciler) ApplyRead(evt protocol.MessageReadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vm, ok := r.byID[evt.MessageID]; ok && vm.ReadAt == nil {
		readAt := evt.ReadAt
		vm.ReadAt = &readAt
	}
}

// View returns a read-only snapshot of the open conversation: the reconciled,
// sorted message list plus loading/error state.
func (r *Reconciler) View() ConversationView {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := ConversationView{
		ConversationID: r.open,
		Loading:        r.loading,
		LoadErr:        r.loadErr,
		Messages:       make([]ViewMessage, len(r.entries)),
	}
	for i, vm := range r.entries {
		out.Messages[i] = *vm
	}
	return out
}

// Open returns the id of the currently open conversation, if any.
func (r *Reconciler) Open() protocol.ConversationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}
