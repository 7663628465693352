package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSanitizeContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"valid simple", "hello world", "hello world", nil},
		{"trims whitespace", "  hello  ", "hello", nil},
		{"strips markup", "<b>hello</b> <script>evil()</script>world", "hello world", nil},
		{"exact max length", strings.Repeat("a", MaxContentLength), strings.Repeat("a", MaxContentLength), nil},
		{"empty after trim", "   ", "", ErrEmptyContent},
		{"empty string", "", "", ErrEmptyContent},
		{"markup-only collapses to empty", "<script></script>", "", ErrEmptyContent},
		{"exceeds max length", strings.Repeat("a", MaxContentLength+1), "", ErrContentTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := sanitizeContent(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("sanitizeContent(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if err == nil && got != tt.want {
				t.Errorf("sanitizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// fakeRepo is an in-memory Repository for Engine tests. Mutate holds its lock for the whole read-modify-write
// cycle, the same atomicity PGRepository.Mutate gets from its transaction and row lock.
type fakeRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message
	failGet  error
	failSave error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: make(map[uuid.UUID]*Message)}
}

func (f *fakeRepo) Insert(ctx context.Context, orgID, conversationID, senderID, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := &Message{
		ID:             uuid.New(),
		OrgID:          orgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

// Get is a test-only inspection helper; it is not part of the Repository interface.
func (f *fakeRepo) Get(id uuid.UUID) *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil
	}
	cp := *msg
	return &cp
}

func (f *fakeRepo) Paginate(ctx context.Context, orgID, conversationID string, page, pageSize int) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []Message
	for _, msg := range f.messages {
		if msg.OrgID == orgID && msg.ConversationID == conversationID && !msg.IsDeleted {
			matched = append(matched, *msg)
		}
	}
	return Page{Messages: matched, Total: int64(len(matched))}, nil
}

func (f *fakeRepo) Mutate(ctx context.Context, id uuid.UUID, fn func(msg *Message) error) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGet != nil {
		return nil, f.failGet
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *msg
	if err := fn(&cp); err != nil {
		return nil, err
	}
	if f.failSave != nil {
		return nil, f.failSave
	}
	f.messages[id] = &cp
	return &cp, nil
}

// fakeBroadcaster records the last event emitted, for assertions that side effects fired.
type fakeBroadcaster struct {
	newMessage     *Message
	updatedMessage *Message
	deletedID      *uuid.UUID
}

func (f *fakeBroadcaster) BroadcastNewMessage(conversationID string, msg Message) { f.newMessage = &msg }
func (f *fakeBroadcaster) BroadcastMessageUpdated(conversationID string, msg Message) {
	f.updatedMessage = &msg
}
func (f *fakeBroadcaster) BroadcastMessageDeleted(conversationID string, messageID uuid.UUID) {
	f.deletedID = &messageID
}

func TestEngineCreate(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	e := NewEngine(repo, bc)

	msg, err := e.Create(context.Background(), "conv-1", "org-1", "user-1", "  hello  ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
	if msg.IsDeleted {
		t.Error("IsDeleted = true, want false")
	}
	if bc.newMessage == nil {
		t.Error("expected BroadcastNewMessage to be called")
	}
}

func TestEngineCreateRejectsEmptyContent(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	_, err := e.Create(context.Background(), "conv-1", "org-1", "user-1", "   ")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Create() error = %v, want ErrEmptyContent", err)
	}
}

func TestEngineUpdateByAuthor(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	e := NewEngine(repo, bc)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	updated, err := e.Update(context.Background(), msg.ID, "conv-1", "org-1", "user-1", "goodbye")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Content != "goodbye" {
		t.Errorf("Content = %q, want %q", updated.Content, "goodbye")
	}
	if bc.updatedMessage == nil {
		t.Error("expected BroadcastMessageUpdated to be called")
	}
}

func TestEngineUpdateRejectsNonAuthor(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	_, err := e.Update(context.Background(), msg.ID, "conv-1", "org-1", "user-2", "goodbye")
	if !errors.Is(err, ErrNotAuthor) {
		t.Errorf("Update() error = %v, want ErrNotAuthor", err)
	}
}

func TestEngineUpdateMismatchedConversationIsNotFound(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	_, err := e.Update(context.Background(), msg.ID, "conv-2", "org-1", "user-1", "goodbye")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound for mismatched conversation", err)
	}
}

func TestEngineUpdateMismatchedOrgIsForbidden(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	_, err := e.Update(context.Background(), msg.ID, "conv-1", "org-2", "user-1", "goodbye")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Update() error = %v, want ErrForbidden for mismatched org", err)
	}
}

func TestEngineDeleteByAuthor(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	bc := &fakeBroadcaster{}
	e := NewEngine(repo, bc)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	if err := e.Delete(context.Background(), msg.ID, "conv-1", "org-1", "user-1", false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	stored := repo.Get(msg.ID)
	if !stored.IsDeleted {
		t.Error("IsDeleted = false, want true")
	}
	if stored.Content != "hello" {
		t.Errorf("Content = %q, want preserved %q", stored.Content, "hello")
	}
	if bc.deletedID == nil || *bc.deletedID != msg.ID {
		t.Error("expected BroadcastMessageDeleted to be called with the message ID")
	}
}

func TestEngineDeleteByAdminBypassesAuthorCheck(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	if err := e.Delete(context.Background(), msg.ID, "conv-1", "org-1", "admin-user", true); err != nil {
		t.Fatalf("Delete() error = %v, want nil for admin delete", err)
	}
}

func TestEngineDeleteRejectsNonAuthorNonAdmin(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	err := e.Delete(context.Background(), msg.ID, "conv-1", "org-1", "user-2", false)
	if !errors.Is(err, ErrNotAuthor) {
		t.Errorf("Delete() error = %v, want ErrNotAuthor", err)
	}
}

func TestEngineDeleteTwiceIsNotFoundSecondTime(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	msg, _ := e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")

	if err := e.Delete(context.Background(), msg.ID, "conv-1", "org-1", "user-1", false); err != nil {
		t.Fatalf("first Delete() error = %v", err)
	}

	err := e.Delete(context.Background(), msg.ID, "conv-1", "org-1", "user-1", false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestEngineListReturnsTotalAndMessages(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	e := NewEngine(repo, nil)

	for i := 0; i < 3; i++ {
		e.Create(context.Background(), "conv-1", "org-1", "user-1", "hello")
	}
	e.Create(context.Background(), "conv-2", "org-1", "user-1", "other conversation")

	page, err := e.List(context.Background(), "conv-1", "org-1", 1, 50)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 3 {
		t.Errorf("Total = %d, want 3", page.Total)
	}
	if len(page.Messages) != 3 {
		t.Errorf("len(Messages) = %d, want 3", len(page.Messages))
	}
}
