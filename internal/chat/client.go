// Package chat implements the client-side chat synchronization core: room
// membership and typing state, reconciliation of REST history with live
// pushes, and the sidebar conversation directory. The UI reads snapshots and
// issues intents; it never mutates the core's state directly.
package chat

import (
	"context"
	"log"

	"github.com/vvinit594/Flowwdeck/internal/auth"
	"github.com/vvinit594/Flowwdeck/internal/metrics"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
	"github.com/vvinit594/Flowwdeck/internal/transport"
)

// Connection is the duplex-channel surface the core needs. Satisfied by
// *transport.Manager.
type Connection interface {
	Connector
	Sender
	On(evtType string, handler transport.EventHandler)
	OnStateChange(fn func(transport.State))
	Teardown()
}

// BackendAPI is the REST surface the core needs. Satisfied by *rest.Client.
type BackendAPI interface {
	HistoryFetcher
	DirectoryAPI
}

// Config holds tuning for the whole core.
type Config struct {
	PageSize  int
	Tracker   TrackerConfig
	Directory DirectoryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:  50,
		Tracker:   DefaultTrackerConfig(),
		Directory: DefaultDirectoryConfig(),
	}
}

// Client is the chat feature's single owned entry point. It holds the one
// Connection for all rooms and fans incoming events out to the reconciler
// and the directory, with the no-double-count rule between them.
type Client struct {
	conn   Connection
	viewer auth.Identity

	Rooms     *Tracker
	Stream    *Reconciler
	Directory *Directory
}

// New builds the core around an injected connection and REST client. The
// viewer's identity is decoded from the current access token; without a
// token the chat surface cannot mount, which is transport.ErrAuthMissing.
func New(conn Connection, api BackendAPI, tokens auth.TokenProvider, config Config) (*Client, error) {
	token := tokens.Token()
	if token == "" {
		return nil, transport.ErrAuthMissing
	}
	viewer, err := auth.ParseIdentity(token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		viewer: viewer,
	}
	c.Stream = NewReconciler(viewer.UserID, conn, api, config.PageSize)
	c.Rooms = NewTracker(viewer.UserID, conn, conn, config.Tracker)
	c.Directory = NewDirectory(viewer.UserID, api, config.Directory)

	conn.On(protocol.TypeNewMessage, c.onNewMessage)
	conn.On(protocol.TypeUserTyping, c.onUserTyping)
	conn.On(protocol.TypeUserStopTyping, c.onUserStopTyping)
	conn.On(protocol.TypeMessageRead, c.onMessageRead)

	// Server-side room membership dies with the old session; restore it
	// whenever the transport comes back.
	conn.OnStateChange(func(s transport.State) {
		if s == transport.StateConnected {
			c.Rooms.Rejoin()
		}
	})

	return c, nil
}

// Viewer returns the identity the core operates as.
func (c *Client) Viewer() auth.Identity { return c.viewer }

// OpenConversation joins the conversation's room, focuses it, seeds the
// reconciled view from history, marks the visible peer messages read, and
// clears the sidebar unread count.
func (c *Client) OpenConversation(ctx context.Context, id protocol.ConversationID) error {
	if err := c.Rooms.JoinRoom(ctx, id); err != nil {
		return err
	}
	c.Directory.SetFocused(id)

	if err := c.Stream.OpenConversation(ctx, id); err != nil {
		return err
	}

	c.markVisibleRead()
	c.Directory.ClearUnread(id)
	return nil
}

// CloseConversation leaves the room and drops focus. The underlying
// connection stays up; only the chat feature's owner tears it down.
func (c *Client) CloseConversation(id protocol.ConversationID) {
	c.Rooms.LeaveRoom(id)
	c.Directory.SetFocused("")
}

// SendMessage sends into a conversation, returning the correlation id of the
// optimistic entry. A send also ends the local typing indicator, since the
// composed text just left the input box.
func (c *Client) SendMessage(id protocol.ConversationID, content string) (string, error) {
	corrID, err := c.Stream.SendMessage(id, content)
	if corrID != "" {
		// Validation passed; the keystrokes are over either way.
		c.Rooms.StopTyping(id)
	}
	return corrID, err
}

// StartConversation performs the idempotent get-or-create with another user.
func (c *Client) StartConversation(ctx context.Context, otherUserID protocol.UserID) (*protocol.Conversation, error) {
	return c.Directory.StartConversation(ctx, otherUserID)
}

// Teardown closes the connection and stops all local timers. Bound to the
// chat feature's unmount; conversation views never call this.
func (c *Client) Teardown() {
	c.conn.Teardown()
	c.Rooms.Close()
}

// onNewMessage handles every live-pushed message regardless of which
// conversation is open: the reconciler takes it when it belongs to the open
// view, and the directory always folds it into the sidebar. The directory
// itself excludes the focused conversation from unread counting, so the two
// consumers never double-count.
func (c *Client) onNewMessage(evt interface{}) {
	e, ok := evt.(protocol.NewMessageEvent)
	if !ok {
		return
	}
	msg := e.Message
	metrics.MessagesTotal.WithLabelValues("received").Inc()

	inOpen := c.Stream.Apply(msg)
	c.Directory.ApplyIncoming(msg)

	// A peer message landing in the open conversation is on screen: mark it
	// read immediately, matching the read-receipt behavior the sender sees.
	if inOpen && msg.SenderID != c.viewer.UserID && msg.ReadAt == nil {
		if err := c.Stream.MarkRead(msg.ID); err != nil {
			log.Printf("[chat] mark_read for %s failed: %v", msg.ID, err)
		}
	}
}

func (c *Client) onUserTyping(evt interface{}) {
	if e, ok := evt.(protocol.UserTypingEvent); ok {
		c.Rooms.ApplyTyping(e)
	}
}

func (c *Client) onUserStopTyping(evt interface{}) {
	if e, ok := evt.(protocol.UserStopTypingEvent); ok {
		c.Rooms.ApplyStopTyping(e)
	}
}

func (c *Client) onMessageRead(evt interface{}) {
	if e, ok := evt.(protocol.MessageReadEvent); ok {
		c.Stream.ApplyRead(e)
	}
}

// markVisibleRead emits read receipts for every unread peer message in the
// open view.
func (c *Client) markVisibleRead() {
	view := c.Stream.View()
	for _, m := range view.Messages {
		if m.SenderID != c.viewer.UserID && m.ReadAt == nil && m.ID != "" {
			if err := c.Stream.MarkRead(m.ID); err != nil {
				log.Printf("[chat] mark_read for %s failed: %v", m.ID, err)
				return
			}
		}
	}
}
