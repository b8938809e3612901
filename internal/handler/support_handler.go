package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-support-chat/internal/dto"
	"github.com/noah-isme/gema-support-chat/internal/middleware"
	"github.com/noah-isme/gema-support-chat/internal/models"
	"github.com/noah-isme/gema-support-chat/internal/service"
	"github.com/noah-isme/gema-support-chat/internal/utils"
)

// SupportHandler wires the support chat websocket and its REST companions.
type SupportHandler struct {
	service   service.SupportService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSupportHandler creates a support handler instance.
func NewSupportHandler(service service.SupportService, validator *validator.Validate, logger zerolog.Logger) *SupportHandler {
	return &SupportHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "support_handler").Logger(),
	}
}

// Register binds support routes under the provided router group. moderation
// handlers run in front of the delete route. Every authenticated caller may
// reach it; the moderation gate decides silently whether anything is deleted.
func (h *SupportHandler) Register(router fiber.Router, moderation ...fiber.Handler) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", sessionContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/channel", middleware.WithAuth(h.channel))

	deleteChain := append(append([]fiber.Handler{}, moderation...), middleware.WithAuth(h.deleteMessage))
	router.Delete("/messages/:id", deleteChain...)
}

func (h *SupportHandler) handleConnection(conn *websocket.Conn) {
	userID := websocketString(conn, middleware.LocalUserID)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	var tab service.Tab
	if raw := strings.TrimSpace(conn.Query("tab")); raw != "" {
		parsed, ok := service.ParseTab(raw)
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "tab must be global or support"))
			_ = conn.Close()
			return
		}
		tab = parsed
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	opts := service.SupportConnectionOptions{
		UserID:        userID,
		UserName:      websocketString(conn, middleware.LocalUserName),
		Role:          websocketRole(conn),
		RoomID:        strings.TrimSpace(conn.Query("room_id")),
		Tab:           tab,
		TargetUserID:  strings.TrimSpace(conn.Query("target_user_id")),
		CorrelationID: websocketString(conn, "correlation_id"),
		Context:       baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Str("room_id", opts.RoomID).Msg("support websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Str("room_id", opts.RoomID).Msg("support websocket disconnected")
}

func (h *SupportHandler) channel(c *fiber.Ctx) error {
	var query dto.SupportChannelQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validator.Struct(query); err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid query parameters", err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to validate support channel query")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to validate query")
	}

	actor := actorFromContext(c)
	tab, _ := service.ParseTab(query.Tab)
	response := h.service.Resolve(service.ResolveParams{
		RoomID:       query.RoomID,
		Tab:          tab,
		ViewerRole:   actor.Role,
		ViewerID:     actor.ID,
		TargetUserID: query.TargetUserID,
	})

	return utils.SendSuccess(c, "support channel resolved", response)
}

func (h *SupportHandler) deleteMessage(c *fiber.Ctx) error {
	messageID := strings.TrimSpace(c.Params("id"))
	if messageID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "message id required")
	}

	channel, err := service.ParseChannelID(c.Query("channel"))
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid channel", err.Error())
	}

	actor := actorFromContext(c)
	deleted, err := h.service.DeleteMessage(requestContext(c), actor, channel, messageID)
	if err != nil {
		logger := requestLogger(h.logger, c)
		if errors.Is(err, service.ErrChannelUnresolved) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		logger.Error().Err(err).Str("channel", channel.String()).Str("message_id", messageID).Msg("failed to delete support message")
		return utils.SendError(c, fiber.StatusBadGateway, "failed to delete message")
	}

	return utils.SendSuccess(c, "support message processed", dto.SupportDeleteResponse{
		Channel:   channel.String(),
		MessageID: messageID,
		Deleted:   deleted,
	})
}

func websocketString(conn *websocket.Conn, key string) string {
	switch v := conn.Locals(key).(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func websocketRole(conn *websocket.Conn) models.Role {
	switch v := conn.Locals(middleware.LocalUserRole).(type) {
	case models.Role:
		return models.ParseRole(string(v))
	case string:
		return models.ParseRole(v)
	default:
		return models.RoleStudent
	}
}
