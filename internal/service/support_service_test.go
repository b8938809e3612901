package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-support-chat/internal/dto"
	"github.com/noah-isme/gema-support-chat/internal/models"
)

const frameTimeout = 2 * time.Second

func serve(t *testing.T, svc SupportService, opts SupportConnectionOptions) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.ServeConnection(conn, opts)
	}()
	t.Cleanup(func() {
		close(conn.incoming)
		select {
		case <-done:
		case <-time.After(frameTimeout):
			t.Error("support connection did not shut down")
		}
	})
	return conn
}

func decode[T any](t *testing.T, frame wireFrame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Data, &out))
	return out
}

func TestSupportServiceAnnouncesChannelAndAcksSend(t *testing.T) {
	feed := newFakeFeed()
	svc := NewSupportService(feed, nil, StaticPricing{Cost: 5, CooldownSeconds: 30}, validator.New(), SupportServiceOptions{}, zerolog.Nop())

	conn := serve(t, svc, SupportConnectionOptions{UserID: "stu-1", UserName: "Sari", Role: models.RoleStudent, RoomID: "kelas-10"})

	frame, ok := conn.next(dto.FrameChannel, frameTimeout)
	require.True(t, ok)
	channel := decode[dto.SupportChannelResponse](t, frame)
	require.True(t, channel.Resolved)
	require.Equal(t, "room", channel.Kind)
	require.Equal(t, "chat/rooms/kelas-10", channel.Path)
	require.False(t, channel.TabsVisible)

	conn.push(dto.SupportClientFrame{Type: dto.FrameSend, RequestID: "r-1", Text: "selamat pagi"})
	frame, ok = conn.next(dto.FrameAck, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-1", frame.RequestID)
	ack := decode[dto.SupportMessageResponse](t, frame)
	require.Equal(t, "selamat pagi", ack.Text)
	require.False(t, ack.Pending)
	require.NotNil(t, ack.Timestamp)
	require.Equal(t, 1, feed.appendCount())
}

func TestSupportServiceReportsRateGateRejection(t *testing.T) {
	feed := newFakeFeed()
	svc := NewSupportService(feed, nil, StaticPricing{Cost: 5, CooldownSeconds: 30}, validator.New(), SupportServiceOptions{}, zerolog.Nop())

	conn := serve(t, svc, SupportConnectionOptions{UserID: "stu-1", Role: models.RoleStudent})

	frame, ok := conn.next(dto.FrameChannel, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "global", decode[dto.SupportChannelResponse](t, frame).Kind)

	conn.push(dto.SupportClientFrame{Type: dto.FrameSend, RequestID: "r-2", Text: "halo"})
	frame, ok = conn.next(dto.FrameError, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-2", frame.RequestID)
	require.Equal(t, "insufficient_balance", decode[dto.SupportErrorResponse](t, frame).Code)
	require.Equal(t, 0, feed.appendCount())
}

func TestSupportServiceValidatesFrames(t *testing.T) {
	svc := NewSupportService(newFakeFeed(), nil, nil, validator.New(), SupportServiceOptions{}, zerolog.Nop())
	conn := serve(t, svc, SupportConnectionOptions{UserID: "stu-1", Role: models.RoleStudent})

	conn.push(dto.SupportClientFrame{Type: "shout", RequestID: "r-3"})
	frame, ok := conn.next(dto.FrameError, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-3", frame.RequestID)
	require.Equal(t, "validation", decode[dto.SupportErrorResponse](t, frame).Code)

	conn.push(dto.SupportClientFrame{Type: dto.FrameDelete, RequestID: "r-4"})
	frame, ok = conn.next(dto.FrameError, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-4", frame.RequestID)

	conn.push(dto.SupportClientFrame{Type: dto.FrameSwitchTab, RequestID: "r-5"})
	frame, ok = conn.next(dto.FrameError, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-5", frame.RequestID)
}

func TestSupportServiceSelectTargetAndStatus(t *testing.T) {
	feed := newFakeFeed()
	svc := NewSupportService(feed, nil, StaticPricing{Cost: 5, CooldownSeconds: 30}, validator.New(), SupportServiceOptions{}, zerolog.Nop())
	conn := serve(t, svc, SupportConnectionOptions{UserID: "adm-1", Role: models.RoleAdmin})

	frame, ok := conn.next(dto.FrameChannel, frameTimeout)
	require.True(t, ok)
	require.False(t, decode[dto.SupportChannelResponse](t, frame).Resolved)

	conn.push(dto.SupportClientFrame{Type: dto.FrameSelectTarget, RequestID: "r-6", TargetUserID: "stu-9"})
	frame, ok = conn.next(dto.FrameChannel, frameTimeout)
	require.True(t, ok)
	require.Equal(t, "r-6", frame.RequestID)
	channel := decode[dto.SupportChannelResponse](t, frame)
	require.Equal(t, "dm:stu-9", channel.Channel)
	require.Equal(t, "support", channel.Tab)

	conn.push(dto.SupportClientFrame{Type: dto.FrameStatus, RequestID: "r-7"})
	frame, ok = conn.next(dto.FrameStatus, frameTimeout)
	require.True(t, ok)
	status := decode[dto.SupportStatusResponse](t, frame)
	require.Equal(t, "dm:stu-9", status.Channel)
	require.False(t, status.Metered)
	require.True(t, status.Admissible)
}

func TestSupportServiceResolveAndDelete(t *testing.T) {
	feed := newFakeFeed()
	svc := NewSupportService(feed, nil, nil, validator.New(), SupportServiceOptions{AllowSubAdminModeration: true}, zerolog.Nop())

	response := svc.Resolve(ResolveParams{ViewerRole: models.RoleStudent, ViewerID: "stu-1"})
	require.True(t, response.Resolved)
	require.Equal(t, "global", response.Tab)
	require.Equal(t, "chat/universal", response.Path)

	response = svc.Resolve(ResolveParams{ViewerRole: models.RoleAdmin, ViewerID: "adm-1"})
	require.False(t, response.Resolved)
	require.Equal(t, "support", response.Tab)

	ctx := context.Background()
	deleted, err := svc.DeleteMessage(ctx, models.User{ID: "stu-1", Role: models.RoleStudent}, GlobalChannel(), "1-0")
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = svc.DeleteMessage(ctx, models.User{ID: "sub-1", Role: models.RoleSubAdmin}, GlobalChannel(), "1-0")
	require.NoError(t, err)
	require.True(t, deleted)
	require.Equal(t, 1, feed.deleteCount())
}
