package dto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-support-chat/internal/dto"
	"github.com/noah-isme/gema-support-chat/internal/models"
)

func compileFrameSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "support_server_frame.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)
	return schema
}

func toPayload(t *testing.T, frame dto.SupportServerFrame) interface{} {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	var payload interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	return payload
}

func TestSupportServerFrameContract(t *testing.T) {
	schema := compileFrameSchema(t)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	messages := dto.NewSupportMessageResponseSlice([]models.Message{
		{ID: "1709280000000-0", Text: "halo", UserID: "stu-1", UserName: "Sari", Role: models.RoleStudent, Timestamp: models.CommittedAt(at)},
		{Text: "sedang dikirim", UserID: "stu-1", Role: models.RoleStudent, ClientRef: "ref-1"},
	})
	require.Nil(t, messages[1].Timestamp)
	require.True(t, messages[1].Pending)

	frames := []dto.SupportServerFrame{
		{Type: dto.FrameMessages, Data: messages},
		{Type: dto.FrameAck, RequestID: "r-1", Data: messages[0]},
		{Type: dto.FrameError, RequestID: "r-2", Data: dto.SupportErrorResponse{Code: "cooldown", Message: "cooldown active", RemainingSeconds: 20}},
		{Type: dto.FrameError, Data: dto.SupportErrorResponse{Code: "busy", Message: "send already in progress"}},
		{Type: dto.FrameStream, Data: dto.SupportStreamResponse{Available: false, Reason: "stream temporarily unavailable"}},
		{Type: dto.FrameUser, Data: dto.NewSupportUserResponse(models.User{ID: "stu-1", Role: models.RoleStudent, Credits: 5, LastChatAt: &at})},
		{Type: dto.FrameChannel, Data: dto.SupportChannelResponse{Resolved: true, Channel: "universal", Kind: "global", Path: "chat/universal", Tab: "global", TabsVisible: true}},
		{Type: dto.FrameStatus, Data: dto.SupportStatusResponse{Metered: true, Cost: 5, CooldownSeconds: 30, Credits: 5, Admissible: true}},
	}

	for _, frame := range frames {
		require.NoError(t, schema.Validate(toPayload(t, frame)), frame.Type)
	}

	invalid := dto.SupportServerFrame{Type: dto.FrameError, Data: dto.SupportErrorResponse{Code: "teapot", Message: "?"}}
	require.Error(t, schema.Validate(toPayload(t, invalid)))
}

func TestSupportClientFrameValidation(t *testing.T) {
	validate := validator.New()

	valid := []dto.SupportClientFrame{
		{Type: dto.FrameSend, Text: "halo"},
		{Type: dto.FrameDelete, MessageID: "1-0"},
		{Type: dto.FrameSwitchTab, Tab: "support"},
		{Type: dto.FrameSelectTarget},
		{Type: dto.FrameStatus, RequestID: "r-1"},
	}
	for _, frame := range valid {
		require.NoError(t, validate.Struct(frame), frame.Type)
	}

	invalid := []dto.SupportClientFrame{
		{Type: ""},
		{Type: "shout"},
		{Type: dto.FrameSend},
		{Type: dto.FrameDelete},
		{Type: dto.FrameSwitchTab, Tab: "dm"},
	}
	for _, frame := range invalid {
		require.Error(t, validate.Struct(frame), frame.Type)
	}
}
