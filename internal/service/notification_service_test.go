package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

func newTestNotificationService(t *testing.T) NotificationService {
	t.Helper()
	db := setupTestDB(t)
	return NewNotificationService(repository.NewNotificationRepository(db), nil, "", nil, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())
}

func TestNotificationServicePublishStreamsToSubscriber(t *testing.T) {
	svc := newTestNotificationService(t)
	ctx := context.Background()

	stream, cleanup := svc.Subscribe("u2")
	defer cleanup()

	published, err := svc.Publish(ctx, dto.NotificationCreateRequest{
		UserID:  "u2",
		Type:    NotificationChatMessage,
		Title:   "New message",
		Message: "<i>see you</i> at 3pm",
		Payload: map[string]string{"chat_id": "c1"},
	})
	require.NoError(t, err)
	require.Equal(t, "see you at 3pm", published.Message)

	select {
	case received := <-stream:
		require.Equal(t, published.ID, received.ID)
		require.Equal(t, "c1", received.Payload["chat_id"])
	case <-time.After(time.Second):
		t.Fatal("notification not streamed")
	}

	_, err = svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "u2", Type: NotificationChatMessage, Message: "<script></script>"})
	require.Error(t, err)
}

func TestNotificationServiceDispatchIsDetached(t *testing.T) {
	svc := newTestNotificationService(t)

	ctx, cancel := context.WithCancel(context.Background())
	svc.Dispatch(ctx, "u1", "Collection schedule agreed", "Pickup confirmed", NotificationScheduleAgreed, map[string]string{"offer_id": "o1"})
	cancel()

	require.Eventually(t, func() bool {
		list, err := svc.List(context.Background(), "u1", repository.NotificationFilter{})
		return err == nil && len(list.Items) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotificationServiceListAndMarkRead(t *testing.T) {
	svc := newTestNotificationService(t)
	ctx := context.Background()

	first, err := svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "u1", Type: NotificationScheduleUpdated, Message: "moved"})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "u1", Type: NotificationScheduleAgreed, Message: "agreed"})
	require.NoError(t, err)

	read, err := svc.MarkRead(ctx, first.ID, "u1")
	require.NoError(t, err)
	require.True(t, read.Read)

	_, err = svc.MarkRead(ctx, first.ID, "u2")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := svc.List(ctx, "u1", repository.NotificationFilter{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Equal(t, int64(1), list.UnreadCount)

	_, err = svc.List(ctx, "", repository.NotificationFilter{})
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestNotificationServiceRejectsUnknownType(t *testing.T) {
	svc := newTestNotificationService(t)

	_, err := svc.Publish(context.Background(), dto.NotificationCreateRequest{UserID: "u1", Type: "promo", Message: "sale"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Publish(context.Background(), dto.NotificationCreateRequest{UserID: "u1", Message: "missing type"})
	require.ErrorIs(t, err, ErrValidation)

	list, err := svc.List(context.Background(), "u1", repository.NotificationFilter{})
	require.NoError(t, err)
	require.Empty(t, list.Items)
}

func TestNotificationServiceRelaysInboxAcrossNodes(t *testing.T) {
	server := miniredis.RunT(t)
	newNode := func() NotificationService {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewNotificationService(repository.NewNotificationRepository(setupTestDB(t)), client, "negotiation", nil, nil, zerolog.Nop())
	}
	sender := newNode()
	receiver := newNode()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender.Start(ctx)
	receiver.Start(ctx)

	remote, closeRemote := receiver.Subscribe("u2")
	defer closeRemote()
	local, closeLocal := sender.Subscribe("u2")
	defer closeLocal()

	published := 0
	require.Eventually(t, func() bool {
		_, err := sender.Publish(ctx, dto.NotificationCreateRequest{
			UserID:  "u2",
			Type:    NotificationScheduleAgreed,
			Message: "pickup agreed",
			Payload: map[string]string{"offer_id": "o1"},
		})
		require.NoError(t, err)
		published++

		select {
		case received := <-remote:
			require.Equal(t, "u2", received.UserID)
			require.Equal(t, "o1", received.Payload["offer_id"])
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// The sender streams each publish once and skips its own relayed copy.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, local, published)
}

func TestNotificationServiceDropsWhenInboxStreamFull(t *testing.T) {
	svc := newTestNotificationService(t)
	ctx := context.Background()

	stream, cleanup := svc.Subscribe("u1")
	defer cleanup()

	for i := 0; i < inboxStreamBuffer+3; i++ {
		_, err := svc.Publish(ctx, dto.NotificationCreateRequest{UserID: "u1", Type: NotificationChatMessage, Message: "ping"})
		require.NoError(t, err)
	}
	require.Len(t, stream, inboxStreamBuffer)

	list, err := svc.List(ctx, "u1", repository.NotificationFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(inboxStreamBuffer+3), list.UnreadCount)
}
