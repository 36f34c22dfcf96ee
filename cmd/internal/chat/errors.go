package chat

import "errors"

var (
	// ErrInvalidOperation is returned for structurally invalid requests,
	// e.g. resolving a chat between an account and itself.
	ErrInvalidOperation = errors.New("chat: invalid operation")

	// ErrEmptyMessage is returned when message text is empty after
	// normalization.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrForbidden is returned when the acting account is not allowed to
	// perform the operation (non-participant send, non-sender delete).
	ErrForbidden = errors.New("chat: forbidden")

	// ErrChatNotFound is returned when the chat id does not exist.
	ErrChatNotFound = errors.New("chat: chat not found")

	// ErrMessageNotFound is returned when the message id does not exist in
	// the chat.
	ErrMessageNotFound = errors.New("chat: message not found")
)
