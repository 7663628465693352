package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/orgchat/chatcore/internal/postgres"
)

const selectColumns = `id, org_id, conversation_id, sender_id, content, is_deleted, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL. It relies on the compound index
// (org_id, conversation_id, created_at DESC) for Paginate, and locks a single row with SELECT ... FOR UPDATE
// inside Mutate's transaction so an Update and a concurrent Delete of the same message serialize instead of
// racing.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert persists a new message with server-assigned timestamps and is_deleted=false.
func (r *PGRepository) Insert(ctx context.Context, orgID, conversationID, senderID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO messages (org_id, conversation_id, sender_id, content, is_deleted)
		 VALUES ($1, $2, $3, $4, false)
		 RETURNING `+selectColumns,
		orgID, conversationID, senderID, content,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// Mutate loads a message under a row lock, runs fn against it, and writes back whatever fn left in place, all
// inside one transaction. fn returning an error aborts the transaction without writing; the Engine uses this to
// fold its precondition checks and the persisted write into one atomic step, so a concurrent Delete can never slip
// in between an Update's check and its write.
func (r *PGRepository) Mutate(ctx context.Context, id uuid.UUID, fn func(msg *Message) error) (*Message, error) {
	var result *Message
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
		msg, err := scanMessage(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock message for update: %w", err)
		}

		if err := fn(msg); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE messages SET content = $1, is_deleted = $2, updated_at = $3 WHERE id = $4`,
			msg.Content, msg.IsDeleted, msg.UpdatedAt, msg.ID,
		)
		if err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		result = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Paginate returns a page of non-deleted messages in a conversation, newest-first, along with the total matching
// row count, both in a single round trip via COUNT(*) OVER(). A page past the last row returns no row to carry the
// window count, so only then a second COUNT query supplies the total. The filter is exactly
// org_id = ? AND conversation_id = ? AND is_deleted = false.
func (r *PGRepository) Paginate(ctx context.Context, orgID, conversationID string, page, pageSize int) (Page, error) {
	offset := (page - 1) * pageSize

	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+`, COUNT(*) OVER() AS total
		 FROM messages
		 WHERE org_id = $1 AND conversation_id = $2 AND is_deleted = false
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		orgID, conversationID, pageSize, offset,
	)
	if err != nil {
		return Page{}, fmt.Errorf("paginate messages: %w", err)
	}
	defer rows.Close()

	var (
		messages []Message
		total    int64
	)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.ID, &msg.OrgID, &msg.ConversationID, &msg.SenderID, &msg.Content,
			&msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt, &total,
		); err != nil {
			return Page{}, fmt.Errorf("scan paginated message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate paginated messages: %w", err)
	}

	if len(messages) == 0 && offset > 0 {
		if err := r.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM messages WHERE org_id = $1 AND conversation_id = $2 AND is_deleted = false`,
			orgID, conversationID,
		).Scan(&total); err != nil {
			return Page{}, fmt.Errorf("count messages: %w", err)
		}
	}

	return Page{Messages: messages, Total: total}, nil
}

// DistinctConversations returns the distinct conversation_id values with at least one message, for operator
// reporting. Not wired to any request path; it exists for offline/administrative use.
func (r *PGRepository) DistinctConversations(ctx context.Context, orgID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT conversation_id FROM messages WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("distinct conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.OrgID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
