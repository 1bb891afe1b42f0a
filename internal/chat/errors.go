package chat

import "errors"

var (
	// ErrEmptyMessage rejects a send whose content is empty after trimming.
	// The message never reaches the network.
	ErrEmptyMessage = errors.New("chat: message is empty")

	// ErrSendFailed marks a message that was emitted but not delivered. The
	// optimistic entry stays visible as failed and retryable.
	ErrSendFailed = errors.New("chat: send failed")

	// ErrConversationNotOpen rejects a send into a conversation that is not
	// the open one. An optimistic entry can only live in the open view, so
	// accepting such a send could lose it without a visible failed marker.
	ErrConversationNotOpen = errors.New("chat: conversation is not open")

	// ErrHistoryFetchFailed is surfaced after the automatic retry of a
	// history fetch also fails. Recoverable: the caller may retry manually.
	ErrHistoryFetchFailed = errors.New("chat: history fetch failed")

	// ErrStaleResponse marks a history fetch whose result arrived after the
	// open conversation changed. The result is discarded; this is not a
	// user-facing failure.
	ErrStaleResponse = errors.New("chat: stale history response discarded")

	// ErrUnknownMessage is returned when retrying a correlation id that has
	// no failed entry in the store.
	ErrUnknownMessage = errors.New("chat: no such pending message")
)
