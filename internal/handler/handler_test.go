package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/config"
	"github.com/noah-isme/recycle-exchange-api/internal/database"
	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/handler"
	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
	"github.com/noah-isme/recycle-exchange-api/internal/router"
	"github.com/noah-isme/recycle-exchange-api/internal/service"
)

const testSecret = "handler-secret"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
	Details json.RawMessage `json:"details"`
	Message string          `json:"message"`
}

type testServer struct {
	app           *fiber.App
	db            *gorm.DB
	notifications service.NotificationService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestServer(t *testing.T, checks map[string]handler.Pinger) *testServer {
	t.Helper()

	db := setupTestDB(t)
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := service.ReadRetryPolicy{Attempts: 1}

	messageRepo := repository.NewMessageRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	chatRepo := repository.NewChatSessionRepository(db)
	offerRepo := repository.NewOfferRepository(db)

	notifications := service.NewNotificationService(repository.NewNotificationRepository(db), nil, "", nil, validate, logger)
	bus := service.NewRealtimeBus(nil, nil, "", logger)

	messages := service.NewMessageService(service.MessageServiceDeps{
		Messages:      messageRepo,
		Chats:         chatRepo,
		Schedules:     scheduleRepo,
		Offers:        offerRepo,
		Bus:           bus,
		Notifications: notifications,
		Validator:     validate,
		Retry:         retry,
	}, logger)
	schedules := service.NewScheduleService(service.ScheduleServiceDeps{
		Schedules:     scheduleRepo,
		Offers:        offerRepo,
		Bus:           bus,
		Notifications: notifications,
		Validator:     validate,
		Retry:         retry,
	}, logger)
	resolver := service.NewParticipantResolver(service.ParticipantResolverDeps{
		Chats:     chatRepo,
		Schedules: scheduleRepo,
		Offers:    offerRepo,
		Profiles:  service.NewProfileDirectory(repository.NewProfileRepository(db), nil, 0, logger),
		Retry:     retry,
	}, logger)
	sessions := service.NewChatSessionService(service.ChatSessionServiceDeps{
		Messages:  messages,
		Schedules: schedules,
		Resolver:  resolver,
		Bus:       bus,
		Config:    service.SessionConfig{NavigateDelay: 20 * time.Millisecond, EventBuffer: 64},
	}, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, config.Config{AppName: "recycle-test", AppEnv: "test"}, router.Dependencies{
		ChatHandler: handler.NewChatHandler(handler.ChatHandlerDeps{
			Sessions:  sessions,
			Messages:  messages,
			Schedules: schedules,
			Resolver:  resolver,
			Validator: validate,
		}, logger),
		ScheduleHandler:     handler.NewScheduleHandler(schedules, validate, logger),
		NotificationHandler: handler.NewNotificationHandler(notifications, logger, time.Second),
		HealthChecks:        checks,
		JWTMiddleware:       middleware.JWTProtected(testSecret),
	})

	require.NoError(t, db.Create(&models.Post{ID: "p1", CategoryID: models.CategorySell, AuthorID: "u1", Title: "Used cardboard"}).Error)
	require.NoError(t, db.Create(&models.Offer{ID: "o1", PostID: "p1", OffererID: "u1", CollectorID: "u2"}).Error)
	require.NoError(t, db.Create(&models.ChatSession{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"}).Error)
	require.NoError(t, db.Create(&models.UserProfile{UserID: "u1", DisplayName: "Budi"}).Error)
	require.NoError(t, db.Create(&models.UserProfile{UserID: "u2", DisplayName: "Sari"}).Error)

	return &testServer{app: app, db: db, notifications: notifications}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func errorKind(t *testing.T, env envelope) string {
	t.Helper()
	var details map[string]string
	require.NoError(t, json.Unmarshal(env.Details, &details))
	return details["kind"]
}

func TestHealthReportsDegradedDependencies(t *testing.T) {
	healthy := newTestServer(t, map[string]handler.Pinger{
		"database": func(context.Context) error { return nil },
	})
	status, body := healthy.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	health := decodeData[handler.HealthResponse](t, body)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "recycle-test", health.Service)

	degraded := newTestServer(t, map[string]handler.Pinger{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	status, _ = degraded.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestChatRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, nil)

	status, body := server.do(t, http.MethodGet, "/api/v1/chats/c1/messages", "", nil)
	require.Equal(t, fiber.StatusUnauthorized, status)
	require.False(t, body.Success)
}

func TestChatMessagesSendHistoryAndSeen(t *testing.T) {
	server := newTestServer(t, nil)

	status, body := server.do(t, http.MethodPost, "/api/v1/chats/c1/messages", "u1", map[string]string{"body": "Pickup tomorrow?"})
	require.Equal(t, fiber.StatusCreated, status)
	sent := decodeData[dto.ChatMessageResponse](t, body)
	require.Equal(t, "u1", sent.SenderID)
	require.Equal(t, "u2", sent.ReceiverID)
	require.False(t, sent.Seen)

	status, body = server.do(t, http.MethodPost, "/api/v1/chats/c1/messages", "u1", map[string]string{"body": ""})
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body = server.do(t, http.MethodPost, "/api/v1/chats/c1/messages", "u3", map[string]string{"body": "hello"})
	require.Equal(t, fiber.StatusForbidden, status)
	require.Equal(t, string(service.KindForbidden), errorKind(t, body))

	status, body = server.do(t, http.MethodGet, "/api/v1/chats/c1/messages?limit=10", "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	history := decodeData[[]dto.ChatMessageResponse](t, body)
	require.Len(t, history, 1)
	require.Equal(t, "Pickup tomorrow?", history[0].Body)
	require.NotEmpty(t, body.Meta["next_before"])
	require.EqualValues(t, history[0].ID, body.Meta["next_before_id"])

	older := fmt.Sprintf("/api/v1/chats/c1/messages?before=%s&before_id=%d", url.QueryEscape(body.Meta["next_before"].(string)), history[0].ID)
	status, body = server.do(t, http.MethodGet, older, "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.Empty(t, decodeData[[]dto.ChatMessageResponse](t, body))

	status, _ = server.do(t, http.MethodGet, "/api/v1/chats/c1/messages?before=yesterday", "u2", nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body = server.do(t, http.MethodPost, "/api/v1/chats/c1/seen", "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	seen := decodeData[dto.MarkSeenResponse](t, body)
	require.Equal(t, int64(1), seen.Updated)

	status, body = server.do(t, http.MethodPost, "/api/v1/chats/c1/seen", "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, int64(0), decodeData[dto.MarkSeenResponse](t, body).Updated)

	require.Eventually(t, func() bool {
		status, body := server.do(t, http.MethodGet, "/api/v1/notifications", "u2", nil)
		if status != fiber.StatusOK {
			return false
		}
		items := decodeData[[]dto.NotificationResponse](t, body)
		return len(items) == 1 && items[0].Type == service.NotificationChatMessage
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScheduleRoutesMapServiceErrors(t *testing.T) {
	server := newTestServer(t, nil)

	status, body := server.do(t, http.MethodPost, "/api/v1/schedules", "u2", dto.ScheduleCreateRequest{
		OfferID:       "o1",
		ScheduledDate: "2030-05-01",
		ScheduledTime: "09:30",
	})
	require.Equal(t, fiber.StatusCreated, status)
	created := decodeData[dto.ScheduleResponse](t, body)
	require.Equal(t, string(models.ScheduleStatusPending), created.Status)

	status, body = server.do(t, http.MethodPatch, "/api/v1/schedules/o1", "u1", dto.ScheduleEditRequest{
		ScheduledDate:   "2020-01-01",
		ScheduledTime:   "09:30",
		ExpectedVersion: created.Version,
	})
	require.Equal(t, fiber.StatusBadRequest, status)
	require.Equal(t, string(service.KindValidation), errorKind(t, body))

	status, body = server.do(t, http.MethodPatch, "/api/v1/schedules/o1", "u1", dto.ScheduleEditRequest{
		ScheduledDate:   "2030-05-02",
		ScheduledTime:   "14:00",
		ExpectedVersion: created.Version,
	})
	require.Equal(t, fiber.StatusOK, status)
	edited := decodeData[dto.ScheduleResponse](t, body)
	require.Equal(t, "2030-05-02", edited.ScheduledDate)
	require.Greater(t, edited.Version, created.Version)

	status, _ = server.do(t, http.MethodPost, "/api/v1/schedules/o1/agree", "u1", dto.ScheduleTransitionRequest{ExpectedVersion: edited.Version})
	require.Equal(t, fiber.StatusForbidden, status)

	status, body = server.do(t, http.MethodPost, "/api/v1/schedules/o1/agree", "u2", dto.ScheduleTransitionRequest{ExpectedVersion: created.Version})
	require.Equal(t, fiber.StatusConflict, status)
	require.Equal(t, string(service.KindConflict), errorKind(t, body))

	status, body = server.do(t, http.MethodPost, "/api/v1/schedules/o1/agree", "u2", dto.ScheduleTransitionRequest{ExpectedVersion: edited.Version})
	require.Equal(t, fiber.StatusOK, status)
	agreed := decodeData[dto.ScheduleResponse](t, body)
	require.Equal(t, string(models.ScheduleStatusForCollection), agreed.Status)

	status, body = server.do(t, http.MethodPost, "/api/v1/schedules/o1/complete", "u1", dto.ScheduleTransitionRequest{ExpectedVersion: agreed.Version})
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, string(models.ScheduleStatusCompleted), decodeData[dto.ScheduleResponse](t, body).Status)

	status, _ = server.do(t, http.MethodGet, "/api/v1/schedules/o1", "u3", nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, _ = server.do(t, http.MethodGet, "/api/v1/schedules/missing", "u1", nil)
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestChatResolutionHydratesPendingSchedule(t *testing.T) {
	server := newTestServer(t, nil)

	status, body := server.do(t, http.MethodGet, "/api/v1/chats/c1/resolution", "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	resolution := decodeData[dto.ResolutionResponse](t, body)
	require.Nil(t, resolution.Schedule)
	require.Equal(t, "Budi", resolution.Counterparty.DisplayName)

	status, _ = server.do(t, http.MethodPost, "/api/v1/schedules", "u2", dto.ScheduleCreateRequest{
		OfferID:       "o1",
		ScheduledDate: "2030-05-01",
		ScheduledTime: "09:30",
	})
	require.Equal(t, fiber.StatusCreated, status)

	status, body = server.do(t, http.MethodGet, "/api/v1/chats/c1/resolution", "u2", nil)
	require.Equal(t, fiber.StatusOK, status)
	resolution = decodeData[dto.ResolutionResponse](t, body)
	require.NotNil(t, resolution.Schedule)
	require.Equal(t, "o1", resolution.Schedule.OfferID)
	require.NotNil(t, resolution.Role)
	require.True(t, resolution.Role.IsBuyer)
	require.True(t, resolution.Role.CanAgree)
	require.NotNil(t, resolution.Post)
	require.Equal(t, "Used cardboard", resolution.Post.Title)

	status, _ = server.do(t, http.MethodGet, "/api/v1/chats/c1/resolution", "u3", nil)
	require.Equal(t, fiber.StatusForbidden, status)
}

func TestNotificationMarkRead(t *testing.T) {
	server := newTestServer(t, nil)

	published, err := server.notifications.Publish(context.Background(), dto.NotificationCreateRequest{
		UserID:  "u1",
		Type:    service.NotificationScheduleUpdated,
		Message: "Pickup moved",
	})
	require.NoError(t, err)

	path := fmt.Sprintf("/api/v1/notifications/%d/read", published.ID)
	status, _ := server.do(t, http.MethodPatch, path, "u2", nil)
	require.Equal(t, fiber.StatusNotFound, status)

	status, body := server.do(t, http.MethodPatch, path, "u1", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.True(t, decodeData[dto.NotificationResponse](t, body).Read)

	status, _ = server.do(t, http.MethodPatch, "/api/v1/notifications/abc/read", "u1", nil)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, body = server.do(t, http.MethodGet, "/api/v1/notifications?unread=true", "u1", nil)
	require.Equal(t, fiber.StatusOK, status)
	require.Empty(t, decodeData[[]dto.NotificationResponse](t, body))
}

func TestChatWebsocketSnapshotAndSend(t *testing.T) {
	server := newTestServer(t, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.app.Listener(listener) }()
	t.Cleanup(func() { _ = server.app.Shutdown() })

	wsURL := fmt.Sprintf("ws://%s/api/v1/chats/ws?chat_id=c1&access_token=%s", listener.Addr().String(), tokenFor(t, "u2"))
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	readFrame := func() dto.ChatFrame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame dto.ChatFrame
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	snapshot := readFrame()
	require.Equal(t, service.FrameSnapshot, snapshot.Type)
	require.NotNil(t, snapshot.Snapshot)
	require.Equal(t, "c1", snapshot.Snapshot.ChatID)
	require.Equal(t, "Budi", snapshot.Snapshot.Counterparty.DisplayName)
	require.Empty(t, snapshot.Snapshot.Messages)

	require.NoError(t, conn.WriteJSON(dto.ChatCommand{Type: service.CommandSend, RequestID: "r1", Body: "On my way"}))

	var result dto.ChatFrame
	for result.Type != service.FrameResult {
		result = readFrame()
		require.NotEqual(t, service.FrameError, result.Type)
	}
	require.Equal(t, "r1", result.RequestID)
	require.NotNil(t, result.Message)
	require.Equal(t, "On my way", result.Message.Body)
	require.Equal(t, "u1", result.Message.ReceiverID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "delete", "request_id": "r2"}))
	var rejected dto.ChatFrame
	for rejected.Type != service.FrameError {
		rejected = readFrame()
	}
	require.Equal(t, string(service.KindValidation), rejected.Error.Kind)
}

func TestChatWebsocketRejectsPlainRequests(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats/ws?chat_id=c1", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "u2"))
	resp, err := server.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	server := newTestServer(t, nil)

	status, _ := server.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, fiber.StatusOK, status)

	resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "http_requests_total")
}
