package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orgchat/chatcore/internal/apierr"
	"github.com/orgchat/chatcore/internal/auth"
	"github.com/orgchat/chatcore/internal/httputil"
	"github.com/orgchat/chatcore/internal/message"
	"github.com/orgchat/chatcore/internal/permission"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	rfc3339         = "2006-01-02T15:04:05.000Z07:00"
)

// resolver is the subset of *permission.Resolver the message routes need.
type resolver interface {
	Check(ctx context.Context, orgID, userID, perm, resourceID string) (permission.Decision, error)
}

// MessageHandler serves the chat message CRUD surface.
type MessageHandler struct {
	engine   *message.Engine
	resolver resolver
	log      zerolog.Logger
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(engine *message.Engine, res resolver, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{engine: engine, resolver: res, log: logger}
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toMessageResponse(m *message.Message) messageResponse {
	return messageResponse{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.Format(rfc3339),
		UpdatedAt:      m.UpdatedAt.Format(rfc3339),
	}
}

// checkPermission asks the resolver whether authCtx may exercise perm on conversationID, translating every non-
// Allowed outcome into the HTTP response the route should send. It returns ok=true only when the caller may proceed.
func (h *MessageHandler) checkPermission(c fiber.Ctx, authCtx *auth.AuthContext, perm, conversationID string) (ok bool, err error) {
	decision, checkErr := h.resolver.Check(c.Context(), authCtx.OrgID, authCtx.UserID, perm, conversationID)
	if checkErr != nil {
		h.log.Error().Err(checkErr).Str("permission", perm).Msg("permission check failed")
		return false, httputil.Fail(c, fiber.StatusServiceUnavailable, apierr.CodeServiceUnavailable, "authorization service unavailable")
	}
	switch decision.Outcome {
	case permission.Allowed:
		return true, nil
	case permission.Denied:
		return false, httputil.Fail(c, fiber.StatusForbidden, apierr.CodeForbidden, "permission denied")
	default: // permission.Unavailable
		return false, httputil.Fail(c, fiber.StatusServiceUnavailable, apierr.CodeServiceUnavailable, "authorization service unavailable")
	}
}

// Create handles POST /{prefix}/conversations/{cid}/messages.
func (h *MessageHandler) Create(c fiber.Ctx) error {
	authCtx := auth.FromContext(c)
	conversationID := c.Params("cid")

	ok, permErr := h.checkPermission(c, authCtx, "chat:write", conversationID)
	if !ok {
		return permErr
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.CodeValidation, "invalid request body")
	}

	msg, err := h.engine.Create(c.Context(), conversationID, authCtx.OrgID, authCtx.UserID, body.Content)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, toMessageResponse(msg))
}

// List handles GET /{prefix}/conversations/{cid}/messages?page=&page_size=.
func (h *MessageHandler) List(c fiber.Ctx) error {
	authCtx := auth.FromContext(c)
	conversationID := c.Params("cid")

	ok, permErr := h.checkPermission(c, authCtx, "chat:read", conversationID)
	if !ok {
		return permErr
	}

	page := parseIntDefault(c.Query("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := parseIntDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 || pageSize > maxPageSize {
		return httputil.Fail(c, fiber.StatusUnprocessableEntity, apierr.CodeValidation, "page_size must be between 1 and 100")
	}

	result, err := h.engine.List(c.Context(), conversationID, authCtx.OrgID, page, pageSize)
	if err != nil {
		h.log.Error().Err(err).Msg("list messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.CodeInternal, "internal error")
	}

	messages := make([]messageResponse, len(result.Messages))
	for i := range result.Messages {
		messages[i] = toMessageResponse(&result.Messages[i])
	}

	return httputil.Success(c, fiber.Map{
		"messages":  messages,
		"total":     result.Total,
		"page":      page,
		"page_size": pageSize,
		"has_more":  int64(page*pageSize) < result.Total,
	})
}

// Update handles PUT /{prefix}/conversations/{cid}/messages/{mid}.
func (h *MessageHandler) Update(c fiber.Ctx) error {
	authCtx := auth.FromContext(c)
	conversationID := c.Params("cid")

	ok, permErr := h.checkPermission(c, authCtx, "chat:write", conversationID)
	if !ok {
		return permErr
	}

	messageID, err := uuid.Parse(c.Params("mid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.CodeValidation, "invalid message id")
	}

	var body updateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.CodeValidation, "invalid request body")
	}

	msg, err := h.engine.Update(c.Context(), messageID, conversationID, authCtx.OrgID, authCtx.UserID, body.Content)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, toMessageResponse(msg))
}

// Delete handles DELETE /{prefix}/conversations/{cid}/messages/{mid}. An author may always delete their own
// message; anyone else needs chat:admin in addition to chat:write.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	authCtx := auth.FromContext(c)
	conversationID := c.Params("cid")

	ok, permErr := h.checkPermission(c, authCtx, "chat:write", conversationID)
	if !ok {
		return permErr
	}

	messageID, err := uuid.Parse(c.Params("mid"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierr.CodeValidation, "invalid message id")
	}

	isAdmin := false
	if decision, checkErr := h.resolver.Check(c.Context(), authCtx.OrgID, authCtx.UserID, "chat:admin", conversationID); checkErr == nil {
		isAdmin = decision.Outcome == permission.Allowed
	}

	if err := h.engine.Delete(c.Context(), messageID, conversationID, authCtx.OrgID, authCtx.UserID, isAdmin); err != nil {
		return h.mapError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// mapError translates a message-engine error into the shared HTTP error taxonomy.
func (h *MessageHandler) mapError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierr.CodeNotFound, "message not found")
	case errors.Is(err, message.ErrForbidden):
		h.log.Warn().Str("org_id", auth.FromContext(c).OrgID).Msg("cross-tenant message access attempt")
		return httputil.Fail(c, fiber.StatusForbidden, apierr.CodeForbidden, "message belongs to a different organization")
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, apierr.CodeForbidden, "you can only modify your own messages")
	case errors.Is(err, message.ErrEmptyContent), errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusUnprocessableEntity, apierr.CodeValidation, err.Error())
	default:
		h.log.Error().Err(err).Msg("unhandled message engine error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierr.CodeInternal, "internal error")
	}
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
