// Package message implements the message lifecycle: tenant-scoped creation, pagination, edit, and soft delete.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrForbidden      = errors.New("message belongs to a different organization")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrNotAuthor      = errors.New("you can only modify your own messages")
)

// MaxContentLength is the maximum number of runes a message's sanitized content may contain.
const MaxContentLength = 10000

// sanitizer strips all markup from message content before validation; conversations carry no rich-text feature, so
// nothing is allow-listed.
var sanitizer = bluemonday.StrictPolicy()

// Message is a single chat message as persisted.
type Message struct {
	ID             uuid.UUID
	OrgID          string
	ConversationID string
	SenderID       string
	Content        string
	IsDeleted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Page is a slice of messages with the total row count matching the filter, for pagination metadata.
type Page struct {
	Messages []Message
	Total    int64
}

// sanitizeContent strips markup and trims whitespace, per spec's "stripping all markup and trimming whitespace
// before validation" requirement.
func sanitizeContent(raw string) (string, error) {
	cleaned := strings.TrimSpace(sanitizer.Sanitize(raw))
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}

// Repository defines the data-access contract for message persistence. Mutate loads a message, holds a row lock on
// it for the lifetime of fn, and persists whatever fn left behind, all within a single transaction, so an update and
// a concurrent delete of the same message cannot interleave.
type Repository interface {
	Insert(ctx context.Context, orgID, conversationID, senderID, content string) (*Message, error)
	Paginate(ctx context.Context, orgID, conversationID string, page, pageSize int) (Page, error)
	Mutate(ctx context.Context, id uuid.UUID, fn func(msg *Message) error) (*Message, error)
}

// Broadcaster is the subset of the Socket Hub the Engine needs to emit fan-out events; kept as an interface so the
// Engine has no import-time dependency on the hub's connection machinery.
type Broadcaster interface {
	BroadcastNewMessage(conversationID string, msg Message)
	BroadcastMessageUpdated(conversationID string, msg Message)
	BroadcastMessageDeleted(conversationID string, messageID uuid.UUID)
}

// Engine enforces message create/list/update/delete semantics, including the soft-delete and
// ownership preconditions, and fans persisted changes out over the Broadcaster.
type Engine struct {
	repo      Repository
	broadcast Broadcaster
}

// NewEngine builds a message Engine. broadcast may be nil, in which case side-effect broadcasts are skipped (used
// in tests that only exercise persistence semantics).
func NewEngine(repo Repository, broadcast Broadcaster) *Engine {
	return &Engine{repo: repo, broadcast: broadcast}
}

// Create persists a new message. Callers must have already authorized chat:write in the routing layer.
func (e *Engine) Create(ctx context.Context, conversationID, orgID, senderID, content string) (*Message, error) {
	cleaned, err := sanitizeContent(content)
	if err != nil {
		return nil, err
	}

	msg, err := e.repo.Insert(ctx, orgID, conversationID, senderID, cleaned)
	if err != nil {
		return nil, err
	}

	if e.broadcast != nil {
		e.broadcast.BroadcastNewMessage(conversationID, *msg)
	}
	return msg, nil
}

// List returns a page of messages newest-first along with the total matching count.
func (e *Engine) List(ctx context.Context, conversationID, orgID string, page, pageSize int) (Page, error) {
	return e.repo.Paginate(ctx, orgID, conversationID, page, pageSize)
}

// checkPrecondition runs the shared precondition ladder for update and delete against an already-loaded message:
// conversation match, then org match. Sender match is the caller's responsibility since delete bypasses it for
// admins.
func checkPrecondition(msg *Message, conversationID, orgID string) error {
	if msg.ConversationID != conversationID {
		// Deliberately NotFound, not Forbidden: a caller with no business in this conversation must not learn the
		// message exists elsewhere.
		return ErrNotFound
	}
	if msg.OrgID != orgID {
		return ErrForbidden
	}
	return nil
}

// Update edits a message's content. Only the original sender may update it. The precondition check and the write
// happen inside the Repository's single locked transaction, so a concurrent Delete of the same message cannot race
// the edit.
func (e *Engine) Update(ctx context.Context, messageID uuid.UUID, conversationID, orgID, userID, newContent string) (*Message, error) {
	cleaned, err := sanitizeContent(newContent)
	if err != nil {
		return nil, err
	}

	msg, err := e.repo.Mutate(ctx, messageID, func(msg *Message) error {
		if err := checkPrecondition(msg, conversationID, orgID); err != nil {
			return err
		}
		if msg.SenderID != userID {
			return ErrNotAuthor
		}
		msg.Content = cleaned
		msg.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.broadcast != nil {
		e.broadcast.BroadcastMessageUpdated(conversationID, *msg)
	}
	return msg, nil
}

// Delete soft-deletes a message. isAdmin bypasses the sender-match check; the routing layer is responsible for
// having verified chat:admin before setting it. An already-deleted message is reported as not found rather than
// silently re-deleted, closing the race where two concurrent deletes of the same message would otherwise both
// broadcast message_deleted.
func (e *Engine) Delete(ctx context.Context, messageID uuid.UUID, conversationID, orgID, userID string, isAdmin bool) error {
	msg, err := e.repo.Mutate(ctx, messageID, func(msg *Message) error {
		if err := checkPrecondition(msg, conversationID, orgID); err != nil {
			return err
		}
		if !isAdmin && msg.SenderID != userID {
			return ErrNotAuthor
		}
		if msg.IsDeleted {
			return ErrNotFound
		}
		msg.IsDeleted = true
		msg.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}

	if e.broadcast != nil {
		e.broadcast.BroadcastMessageDeleted(conversationID, msg.ID)
	}
	return nil
}
