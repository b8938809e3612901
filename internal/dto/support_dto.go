package dto

import (
	"time"

	"github.com/noah-isme/gema-support-chat/internal/models"
)

// Client frame types accepted on the support websocket.
const (
	FrameSend         = "send"
	FrameDelete       = "delete"
	FrameSwitchTab    = "switch_tab"
	FrameSelectTarget = "select_target"
	FrameStatus       = "status"
)

// Server frame types written on the support websocket.
const (
	FrameMessages = "messages"
	FrameAck      = "ack"
	FrameError    = "error"
	FrameStream   = "stream"
	FrameUser     = "user"
	FrameChannel  = "channel"
)

// SupportClientFrame is one command sent by a websocket client.
type SupportClientFrame struct {
	Type         string `json:"type" validate:"required,oneof=send delete switch_tab select_target status"`
	RequestID    string `json:"request_id" validate:"omitempty,max=64"`
	Text         string `json:"text" validate:"required_if=Type send,max=4000"`
	MessageID    string `json:"message_id" validate:"required_if=Type delete,max=128"`
	Tab          string `json:"tab" validate:"omitempty,oneof=global support"`
	TargetUserID string `json:"target_user_id" validate:"omitempty,max=64"`
}

// SupportServerFrame wraps every payload written to a websocket client.
type SupportServerFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// SupportMessageResponse is the serialized representation of a chat message.
type SupportMessageResponse struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	UserID    string     `json:"user_id"`
	UserName  string     `json:"user_name"`
	Role      string     `json:"role"`
	Timestamp *time.Time `json:"timestamp"`
	Pending   bool       `json:"pending"`
	ClientRef string     `json:"client_ref,omitempty"`
}

// NewSupportMessageResponse converts a message into a DTO. Pending messages carry a null timestamp.
func NewSupportMessageResponse(message models.Message) SupportMessageResponse {
	response := SupportMessageResponse{
		ID:        message.ID,
		Text:      message.Text,
		UserID:    message.UserID,
		UserName:  message.UserName,
		Role:      string(message.Role),
		Pending:   message.Pending(),
		ClientRef: message.ClientRef,
	}
	if !message.Pending() {
		at := message.Timestamp.Time()
		response.Timestamp = &at
	}
	return response
}

// NewSupportMessageResponseSlice converts messages into DTOs, preserving order.
func NewSupportMessageResponseSlice(messages []models.Message) []SupportMessageResponse {
	out := make([]SupportMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewSupportMessageResponse(message))
	}
	return out
}

// SupportErrorResponse describes a rejected client command.
type SupportErrorResponse struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
}

// SupportStreamResponse reports the availability of the message stream.
type SupportStreamResponse struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// SupportUserResponse is the viewer's own balance and cooldown stamp.
type SupportUserResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	Credits    int64      `json:"credits"`
	LastChatAt *time.Time `json:"last_chat_at"`
}

// NewSupportUserResponse converts a session user into a DTO.
func NewSupportUserResponse(user models.User) SupportUserResponse {
	return SupportUserResponse{
		ID:         user.ID,
		Name:       user.Name,
		Role:       string(user.Role),
		Credits:    user.Credits,
		LastChatAt: user.LastChatAt,
	}
}

// SupportChannelResponse describes the resolved channel of a viewer.
type SupportChannelResponse struct {
	Resolved    bool   `json:"resolved"`
	Channel     string `json:"channel,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Path        string `json:"path,omitempty"`
	Tab         string `json:"tab"`
	TabsVisible bool   `json:"tabs_visible"`
}

// SupportStatusResponse is the status bar of a session.
type SupportStatusResponse struct {
	Channel          string `json:"channel,omitempty"`
	Metered          bool   `json:"metered"`
	Cost             int64  `json:"cost"`
	CooldownSeconds  int64  `json:"cooldown_seconds"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Credits          int64  `json:"credits"`
	Admissible       bool   `json:"admissible"`
	Reason           string `json:"reason,omitempty"`
	StreamAvailable  bool   `json:"stream_available"`
}

// SupportChannelQuery are the query parameters of the channel resolution endpoint.
type SupportChannelQuery struct {
	RoomID       string `query:"room_id" validate:"omitempty,max=128"`
	Tab          string `query:"tab" validate:"omitempty,oneof=global support"`
	TargetUserID string `query:"target_user_id" validate:"omitempty,max=64"`
}

// SupportDeleteResponse reports the outcome of a moderation delete.
type SupportDeleteResponse struct {
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	Deleted   bool   `json:"deleted"`
}
