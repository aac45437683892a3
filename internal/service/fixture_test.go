package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/database"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

var testNow = time.Date(2030, time.January, 1, 8, 0, 0, 0, time.UTC)

type dispatchedNotification struct {
	UserID  string
	Title   string
	Body    string
	Type    string
	Payload map[string]string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchedNotification
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, userID, title, body, notificationType string, payload map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchedNotification{UserID: userID, Title: title, Body: body, Type: notificationType, Payload: payload})
}

func (d *recordingDispatcher) Calls() []dispatchedNotification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchedNotification(nil), d.calls...)
}

type testEnv struct {
	db            *gorm.DB
	bus           RealtimeBus
	notifications *recordingDispatcher
	messageRepo   repository.MessageRepository
	scheduleRepo  repository.ScheduleRepository
	chatRepo      repository.ChatSessionRepository
	messages      MessageService
	schedules     ScheduleService
	resolver      ParticipantResolver
	sessions      ChatSessionService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Serialise writers; sqlite shared cache reports table locks instead of waiting.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	retry := ReadRetryPolicy{Attempts: 1}
	now := func() time.Time { return testNow }

	env := &testEnv{
		db:            db,
		bus:           NewRealtimeBus(nil, nil, "", logger),
		notifications: &recordingDispatcher{},
		messageRepo:   repository.NewMessageRepository(db),
		scheduleRepo:  repository.NewScheduleRepository(db),
		chatRepo:      repository.NewChatSessionRepository(db),
	}
	offers := repository.NewOfferRepository(db)

	env.messages = NewMessageService(MessageServiceDeps{
		Messages:      env.messageRepo,
		Chats:         env.chatRepo,
		Schedules:     env.scheduleRepo,
		Offers:        offers,
		Bus:           env.bus,
		Notifications: env.notifications,
		Validator:     validate,
		Retry:         retry,
	}, logger)
	env.schedules = NewScheduleService(ScheduleServiceDeps{
		Schedules:     env.scheduleRepo,
		Offers:        offers,
		Bus:           env.bus,
		Notifications: env.notifications,
		Validator:     validate,
		Retry:         retry,
		Now:           now,
	}, logger)
	env.resolver = NewParticipantResolver(ParticipantResolverDeps{
		Chats:     env.chatRepo,
		Schedules: env.scheduleRepo,
		Offers:    offers,
		Profiles:  NewProfileDirectory(repository.NewProfileRepository(db), nil, 0, logger),
		Retry:     retry,
	}, logger)
	env.sessions = NewChatSessionService(ChatSessionServiceDeps{
		Messages:  env.messages,
		Schedules: env.schedules,
		Resolver:  env.resolver,
		Bus:       env.bus,
		Config: SessionConfig{
			NavigateDelay: 20 * time.Millisecond,
			EventBuffer:   256,
			Now:           now,
		},
	}, logger)

	return env
}

// seedNegotiation stores offer o1 on post p1 between offerer u1 and
// collector u2, and chat c1 between them.
func (e *testEnv) seedNegotiation(t *testing.T, category uint) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.Post{ID: "p1", CategoryID: category, AuthorID: "u1", Title: "Used cardboard"}).Error)
	require.NoError(t, e.db.Create(&models.Offer{ID: "o1", PostID: "p1", OffererID: "u1", CollectorID: "u2"}).Error)
	require.NoError(t, e.db.Create(&models.ChatSession{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"}).Error)
	require.NoError(t, e.db.Create(&models.UserProfile{UserID: "u1", DisplayName: "Budi"}).Error)
	require.NoError(t, e.db.Create(&models.UserProfile{UserID: "u2", DisplayName: "Sari"}).Error)
}

func (e *testEnv) createSchedule(t *testing.T, offerID, offererID, collectorID string) models.CollectionSchedule {
	t.Helper()
	schedule := models.CollectionSchedule{
		OfferID:       offerID,
		OffererID:     offererID,
		CollectorID:   collectorID,
		ScheduledDate: "2030-05-01",
		ScheduledTime: "09:30",
	}
	require.NoError(t, e.scheduleRepo.Create(context.Background(), &schedule))
	return schedule
}

func (e *testEnv) openSession(t *testing.T, userID, offerID string) *ChatSession {
	t.Helper()
	session, err := e.sessions.Open(context.Background(), SessionOptions{ChatID: "c1", CurrentUserID: userID, OfferID: offerID})
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

// waitForEvent drains session events until one of the wanted type arrives.
func waitForEvent(t *testing.T, session *ChatSession, want SessionEventType) SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-session.Events():
			require.True(t, ok, "event stream closed before %s", want)
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}
