package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vvinit594/Flowwdeck/internal/metrics"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
	"github.com/vvinit594/Flowwdeck/internal/rest"
)

const (
	// DefaultMinSearchLen is the minimum query length before a search hits
	// the network; shorter queries resolve to an empty result locally.
	DefaultMinSearchLen = 2

	// DefaultSearchDebounce is how long after the last keystroke the search
	// request is issued.
	DefaultSearchDebounce = 500 * time.Millisecond
)

// DirectoryAPI is the REST surface the directory needs. Satisfied by
// *rest.Client.
type DirectoryAPI interface {
	Conversations(ctx context.Context) ([]protocol.Conversation, error)
	CreateConversation(ctx context.Context, otherUserID protocol.UserID) (*rest.CreatedConversation, error)
	SearchUsers(ctx context.Context, query string) ([]protocol.User, error)
}

// DirectoryConfig holds search tuning parameters.
type DirectoryConfig struct {
	MinSearchLen   int
	SearchDebounce time.Duration
}

// DefaultDirectoryConfig returns production search parameters.
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		MinSearchLen:   DefaultMinSearchLen,
		SearchDebounce: DefaultSearchDebounce,
	}
}

// Directory owns the sidebar-level view of all conversations: last-message
// previews, most-recently-active ordering, and unread counts — independent
// of which single conversation is currently open.
type Directory struct {
	viewer protocol.UserID
	api    DirectoryAPI
	config DirectoryConfig

	mu          sync.Mutex
	convs       map[protocol.ConversationID]*protocol.Conversation
	focused     protocol.ConversationID
	searchTimer *time.Timer
	searchSeq   int
}

// NewDirectory creates an empty directory for the given viewer.
func NewDirectory(viewer protocol.UserID, api DirectoryAPI, config DirectoryConfig) *Directory {
	return &Directory{
		viewer: viewer,
		api:    api,
		config: config,
		convs:  make(map[protocol.ConversationID]*protocol.Conversation),
	}
}

// Refresh replaces the directory contents with the backend's conversation
// list, including last-message snapshots and unread counts.
func (d *Directory) Refresh(ctx context.Context) error {
	convs, err := d.api.Conversations(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.convs = make(map[protocol.ConversationID]*protocol.Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		d.convs[c.ID] = &c
	}
	d.updateUnreadGaugeLocked()
	d.mu.Unlock()
	return nil
}

// StartConversation requests a conversation with another user. Server-side
// idempotency guarantees the same conversation comes back for the same pair
// of users, whether newly created or pre-existing; the returned value is
// "the" conversation either way.
func (d *Directory) StartConversation(ctx context.Context, otherUserID protocol.UserID) (*protocol.Conversation, error) {
	created, err := d.api.CreateConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}

	conv := created.Conversation
	if conv.OtherUser.ID == "" {
		conv.OtherUser = created.OtherUser
	}

	d.mu.Lock()
	if existing, ok := d.convs[conv.ID]; ok {
		// Keep local state (unread, preview) for a conversation we already
		// track; only fill in the profile.
		if existing.OtherUser.ID == "" {
			existing.OtherUser = conv.OtherUser
		}
		conv = *existing
	} else {
		c := conv
		d.convs[conv.ID] = &c
	}
	d.mu.Unlock()
	return &conv, nil
}

// SetFocused records which conversation is currently open. Incoming messages
// for the focused conversation never increment its unread count.
func (d *Directory) SetFocused(id protocol.ConversationID) {
	d.mu.Lock()
	d.focused = id
	d.mu.Unlock()
}

// ApplyIncoming folds a pushed message into the directory: it updates the
// conversation's last-message snapshot, bumps it to the top of the recency
// order, and increments the unread count when the sender is not the viewer
// and the conversation is not the focused one. Unknown conversations are
// created lazily — the first contact from a new peer arrives as a push.
func (d *Directory) ApplyIncoming(msg protocol.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.convs[msg.ConversationID]
	if !ok {
		conv = &protocol.Conversation{ID: msg.ConversationID}
		d.convs[msg.ConversationID] = conv
	}

	snapshot := msg
	conv.LastMessage = &snapshot
	conv.UpdatedAt = msg.CreatedAt

	if msg.SenderID != d.viewer && msg.ConversationID != d.focused {
		conv.UnreadCount++
	}
	d.updateUnreadGaugeLocked()
}

// ClearUnread resets a conversation's unread count to zero. Called when the
// conversation becomes the focused one and its messages are marked read.
func (d *Directory) ClearUnread(id protocol.ConversationID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[id]; ok {
		conv.UnreadCount = 0
	}
	d.updateUnreadGaugeLocked()
}

// List returns a snapshot of all conversations, most recently active first.
func (d *Directory) List() []protocol.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]protocol.Conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Get returns a snapshot of one conversation, if tracked.
func (d *Directory) Get(id protocol.ConversationID) (protocol.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.convs[id]; ok {
		return *conv, true
	}
	return protocol.Conversation{}, false
}

// Search looks up candidate users to start a conversation with. Queries
// shorter than the minimum length resolve to an empty result immediately,
// with no network call. Longer queries are debounced: only the latest query
// within the window is issued, and a result that has been superseded by a
// newer query is dropped instead of delivered.
func (d *Directory) Search(query string, fn func([]protocol.User, error)) {
	query = strings.TrimSpace(query)

	d.mu.Lock()
	d.searchSeq++
	seq := d.searchSeq
	if d.searchTimer != nil {
		d.searchTimer.Stop()
		d.searchTimer = nil
	}

	if len([]rune(query)) < d.config.MinSearchLen {
		d.mu.Unlock()
		fn([]protocol.User{}, nil)
		return
	}

	d.searchTimer = time.AfterFunc(d.config.SearchDebounce, func() {
		d.mu.Lock()
		stale := seq != d.searchSeq
		d.mu.Unlock()
		if stale {
			return
		}

		users, err := d.api.SearchUsers(context.Background(), query)

		d.mu.Lock()
		stale = seq != d.searchSeq
		d.mu.Unlock()
		if stale {
			return
		}
		fn(users, err)
	})
	d.mu.Unlock()
}

// updateUnreadGaugeLocked refreshes the unread-conversations gauge.
func (d *Directory) updateUnreadGaugeLocked() {
	n := 0
	for _, conv := range d.convs {
		if conv.UnreadCount > 0 {
			n++
		}
	}
	metrics.UnreadConversations.Set(float64(n))
}
