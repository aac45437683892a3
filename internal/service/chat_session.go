package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/dto"
	"github.com/noah-isme/recycle-exchange-api/internal/models"
	"github.com/noah-isme/recycle-exchange-api/internal/observability"
)

// SessionState is the lifecycle state of an open chat session.
type SessionState string

// Session states. Sending, EditingSchedule and Agreeing are the in-flight
// write states; only one can be active at a time.
const (
	StateLoading         SessionState = "loading"
	StateReady           SessionState = "ready"
	StateSending         SessionState = "sending"
	StateEditingSchedule SessionState = "editing_schedule"
	StateAgreeing        SessionState = "agreeing"
	StateError           SessionState = "error"
	StateClosed          SessionState = "closed"
)

// SessionEventType names what changed in a session.
type SessionEventType string

// Session event types.
const (
	EventState    SessionEventType = "state"
	EventMessage  SessionEventType = "message"
	EventSchedule SessionEventType = "schedule"
	EventNavigate SessionEventType = "navigate"
	EventSeen     SessionEventType = "seen"
)

// SessionEvent is pushed to the session owner whenever local state changes.
type SessionEvent struct {
	Type     SessionEventType
	State    SessionState
	Message  *models.ChatMessage
	Schedule *models.CollectionSchedule
	OfferID  string
	Err      error
}

// SessionOptions identifies the chat to open. OfferID is optional and
// attaches that offer's schedule without hydration.
type SessionOptions struct {
	ChatID        string
	CurrentUserID string
	OfferID       string
}

// SessionConfig tunes session behaviour.
type SessionConfig struct {
	NavigateDelay time.Duration
	EventBuffer   int
	Location      *time.Location
	Now           func() time.Time
}

const (
	defaultNavigateDelay = 2 * time.Second
	defaultEventBuffer   = 64
)

// ChatSession is the per-user controller of one negotiation chat. All
// mutations of its state happen under mu; network calls never hold it.
type ChatSession struct {
	chatID string
	userID string

	messages  MessageService
	schedules ScheduleService
	resolver  ParticipantResolver
	bus       RealtimeBus
	logger    zerolog.Logger

	navigateDelay time.Duration
	location      *time.Location
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        SessionState
	lastErr      error
	counterparty Participant
	schedule     *models.CollectionSchedule
	category     Category
	ambiguous    []string
	history      []models.ChatMessage
	known        map[uint]struct{}
	draft        string
	busy         bool
	closed       bool
	messageSub   Subscription
	scheduleSub  Subscription
	navigate     *time.Timer
	events       chan SessionEvent
	closeOnce    sync.Once
}

// ChatID returns the chat the session is bound to.
func (s *ChatSession) ChatID() string { return s.chatID }

// CurrentUserID returns the user the session acts for.
func (s *ChatSession) CurrentUserID() string { return s.userID }

// Events streams state changes. The channel is closed by Close; events are
// dropped when the consumer falls behind the buffer.
func (s *ChatSession) Events() <-chan SessionEvent { return s.events }

// State returns the current lifecycle state.
func (s *ChatSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the failure that moved the session into StateError.
func (s *ChatSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Counterparty returns the other participant.
func (s *ChatSession) Counterparty() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterparty
}

// Schedule returns a copy of the attached schedule, or nil.
func (s *ChatSession) Schedule() *models.CollectionSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return nil
	}
	copied := *s.schedule
	return &copied
}

// AmbiguousOfferIDs lists the offers hydration could not choose between.
func (s *ChatSession) AmbiguousOfferIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ambiguous...)
}

// Messages returns the history newest-first, ordered by created_at then id.
func (s *ChatSession) Messages() []models.ChatMessage {
	s.mu.Lock()
	list := append([]models.ChatMessage(nil), s.history...)
	s.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[j].Before(list[i])
	})
	return list
}

// Draft returns the compose buffer.
func (s *ChatSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the compose buffer.
func (s *ChatSession) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

// Role derives the current user's role from the attached schedule and the
// latest known listing category. It is the zero Role without a schedule.
func (s *ChatSession) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.category == 0 {
		return Role{}
	}
	return InferRole(PartiesOf(*s.schedule), s.userID, s.category)
}

// CanAgree reports whether Agree would pass the local role and status checks.
func (s *ChatSession) CanAgree() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || s.category == 0 {
		return false
	}
	return CanAgree(*s.schedule, s.userID, s.category)
}

// Category returns the listing category of the attached schedule, or 0 when unknown.
func (s *ChatSession) Category() Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.category
}

// Send persists a message to the counterparty. The message is added to the
// local history only after the store acknowledged it, and only then is the
// compose buffer cleared.
func (s *ChatSession) Send(ctx context.Context, body string, target *dto.MessageTarget) (models.ChatMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatMessage{}, ErrSessionClosed
	}
	receiverID := s.counterparty.ID
	s.mu.Unlock()

	if strings.TrimSpace(body) == "" {
		return models.ChatMessage{}, validationError("message body is empty")
	}
	if receiverID == "" {
		return models.ChatMessage{}, validationError("receiver could not be resolved for chat %s", s.chatID)
	}

	if err := s.begin(StateSending); err != nil {
		return models.ChatMessage{}, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	message, err := s.messages.Send(opCtx, SendMessageInput{
		ChatID:     s.chatID,
		SenderID:   s.userID,
		ReceiverID: receiverID,
		Body:       body,
		Target:     target,
	})
	if err != nil {
		s.finish(err)
		return models.ChatMessage{}, err
	}

	s.mu.Lock()
	if !s.closed {
		s.draft = ""
		if s.appendLocked(message) {
			s.emitLocked(SessionEvent{Type: EventMessage, Message: &message})
		}
	}
	s.mu.Unlock()

	s.finish(nil)
	return message, nil
}

// EditSchedule moves the pickup moment of the attached pending schedule.
func (s *ChatSession) EditSchedule(ctx context.Context, date, clock string) (models.CollectionSchedule, error) {
	current, err := s.attachedSchedule()
	if err != nil {
		return models.CollectionSchedule{}, err
	}

	moment, err := models.ParseScheduleMoment(strings.TrimSpace(date), strings.TrimSpace(clock), s.location)
	if err != nil {
		return models.CollectionSchedule{}, validationError("%v", err)
	}
	if !moment.After(s.now().In(s.location)) {
		return models.CollectionSchedule{}, validationError("scheduled date and time must be in the future")
	}
	if current.Status != models.ScheduleStatusPending {
		return models.CollectionSchedule{}, conflictError("schedule is %s and can no longer be edited", current.Status)
	}

	if err := s.begin(StateEditingSchedule); err != nil {
		return models.CollectionSchedule{}, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	updated, err := s.schedules.Edit(opCtx, s.userID, current.OfferID, current.Version, date, clock)
	if err != nil {
		s.afterScheduleFailure(opCtx, current.OfferID, err)
		s.finish(err)
		return models.CollectionSchedule{}, err
	}

	s.applySchedule(updated)
	s.finish(nil)
	return updated, nil
}

// Agree moves the attached schedule from pending to for_collection. Only the
// party the listing category expects to agree may do so.
func (s *ChatSession) Agree(ctx context.Context) (models.CollectionSchedule, error) {
	current, err := s.attachedSchedule()
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if current.Status != models.ScheduleStatusPending {
		return models.CollectionSchedule{}, conflictError("schedule is %s, only pending schedules can be agreed", current.Status)
	}

	s.mu.Lock()
	category := s.category
	s.mu.Unlock()
	if category != 0 && !CanAgree(current, s.userID, category) {
		return models.CollectionSchedule{}, forbiddenError("agreement on a %s listing is given by the other party", category)
	}

	if err := s.begin(StateAgreeing); err != nil {
		return models.CollectionSchedule{}, err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	updated, err := s.schedules.Agree(opCtx, s.userID, current.OfferID, current.Version)
	if err != nil {
		s.afterScheduleFailure(opCtx, current.OfferID, err)
		s.finish(err)
		return models.CollectionSchedule{}, err
	}

	s.applySchedule(updated)
	s.scheduleNavigate(updated.OfferID)
	s.finish(nil)
	return updated, nil
}

// MarkSeen marks every message addressed to the current user as seen.
func (s *ChatSession) MarkSeen(ctx context.Context) (int64, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	updated, err := s.messages.MarkSeen(opCtx, s.chatID, s.userID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return updated, nil
	}
	for i := range s.history {
		if s.history[i].ReceiverID == s.userID {
			s.history[i].Seen = true
		}
	}
	s.emitLocked(SessionEvent{Type: EventSeen})
	return updated, nil
}

// AttachSchedule binds the session to the schedule of offerID. The schedule
// must be shared with the chat's counterparty.
func (s *ChatSession) AttachSchedule(ctx context.Context, offerID string) (models.CollectionSchedule, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return models.CollectionSchedule{}, validationError("offer id is required")
	}
	if s.isClosed() {
		return models.CollectionSchedule{}, ErrSessionClosed
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	schedule, err := s.schedules.Get(opCtx, s.userID, offerID)
	if err != nil {
		return models.CollectionSchedule{}, err
	}
	if err := s.attach(opCtx, schedule); err != nil {
		return models.CollectionSchedule{}, err
	}
	return schedule, nil
}

// Acknowledge clears a failed operation and returns the session to Ready.
func (s *ChatSession) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateError {
		return nil
	}
	s.lastErr = nil
	s.setStateLocked(StateReady)
	return nil
}

// Close releases the realtime subscriptions and cancels in-flight calls.
// Callbacks that arrive afterwards are ignored. Close is idempotent.
func (s *ChatSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = StateClosed
		if s.navigate != nil {
			s.navigate.Stop()
		}
		subs := []Subscription{s.messageSub, s.scheduleSub}
		s.messageSub, s.scheduleSub = nil, nil
		close(s.events)
		s.mu.Unlock()

		for _, sub := range subs {
			if sub != nil {
				sub.Close()
			}
		}
		s.cancel()
		observability.ChatSessionsActive().Dec()
		s.logger.Debug().Msg("chat session closed")
	})
}

func (s *ChatSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// operationContext ends when either the caller's context or the session ends.
func (s *ChatSession) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *ChatSession) attachedSchedule() (models.CollectionSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.CollectionSchedule{}, ErrSessionClosed
	}
	if s.schedule == nil {
		return models.CollectionSchedule{}, validationError("no collection schedule is attached to chat %s", s.chatID)
	}
	return *s.schedule, nil
}

// begin claims the single write slot of the session.
func (s *ChatSession) begin(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.busy:
		return ErrOperationInProgress
	case s.state != StateReady:
		return ErrSessionNotReady
	}
	s.busy = true
	s.setStateLocked(state)
	return nil
}

func (s *ChatSession) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.closed {
		return
	}
	if err != nil {
		s.lastErr = err
		s.setStateLocked(StateError)
		return
	}
	s.setStateLocked(StateReady)
}

func (s *ChatSession) setStateLocked(state SessionState) {
	s.state = state
	event := SessionEvent{Type: EventState, State: state}
	if state == StateError {
		event.Err = s.lastErr
	}
	s.emitLocked(event)
}

func (s *ChatSession) emitLocked(event SessionEvent) {
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.logger.Debug().Str("event", string(event.Type)).Msg("dropping session event for slow consumer")
	}
}

// appendLocked adds message unless its id is already known.
func (s *ChatSession) appendLocked(message models.ChatMessage) bool {
	if _, ok := s.known[message.ID]; ok {
		return false
	}
	s.known[message.ID] = struct{}{}
	s.history = append(s.history, message)
	return true
}

// applySchedule replaces the attached schedule unless update is older than it.
func (s *ChatSession) applySchedule(update models.CollectionSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.schedule == nil || s.schedule.OfferID != update.OfferID {
		return
	}
	if update.Version <= s.schedule.Version {
		return
	}
	copied := update
	s.schedule = &copied
	s.emitLocked(SessionEvent{Type: EventSchedule, Schedule: &copied})
}

// afterScheduleFailure re-reads the schedule after a conflict so the next
// attempt starts from the stored state.
func (s *ChatSession) afterScheduleFailure(ctx context.Context, offerID string, err error) {
	if !errors.Is(err, ErrConflict) {
		return
	}
	latest, refetchErr := s.schedules.Refetch(ctx, offerID)
	if refetchErr != nil {
		s.logger.Warn().Err(refetchErr).Str("offer_id", offerID).Msg("failed to refetch schedule after conflict")
		return
	}
	s.applySchedule(latest)
	s.refreshCategory(ctx, offerID)
}

func (s *ChatSession) scheduleNavigate(offerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.navigate != nil {
		s.navigate.Stop()
	}
	s.navigate = time.AfterFunc(s.navigateDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.emitLocked(SessionEvent{Type: EventNavigate, OfferID: offerID})
	})
}

// attach binds schedule and swaps the schedule subscription over to its offer.
func (s *ChatSession) attach(ctx context.Context, schedule models.CollectionSchedule) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.counterparty.ID != "" && schedule.Counterparty(s.userID) != s.counterparty.ID {
		s.mu.Unlock()
		return validationError("schedule for offer %s belongs to another chat", schedule.OfferID)
	}
	if s.schedule != nil && s.schedule.OfferID == schedule.OfferID {
		s.mu.Unlock()
		s.applySchedule(schedule)
		return nil
	}

	previous := s.scheduleSub
	copied := schedule
	s.schedule = &copied
	s.category = 0
	s.ambiguous = nil
	s.scheduleSub = s.bus.SubscribeSchedules(schedule.OfferID, s.onRemoteSchedule)
	s.emitLocked(SessionEvent{Type: EventSchedule, Schedule: &copied})
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	s.refreshCategory(ctx, schedule.OfferID)
	return nil
}

// refreshCategory re-reads the listing category so roles follow category changes.
func (s *ChatSession) refreshCategory(ctx context.Context, offerID string) {
	listing, err := s.resolver.Listing(ctx, offerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("offer_id", offerID).Msg("failed to load listing category")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.schedule == nil || s.schedule.OfferID != offerID {
		return
	}
	s.category = listing.Category
}

func (s *ChatSession) onRemoteMessage(message models.ChatMessage) {
	s.mu.Lock()
	if s.closed || message.ChatID != s.chatID || !s.appendLocked(message) {
		s.mu.Unlock()
		return
	}
	s.emitLocked(SessionEvent{Type: EventMessage, Message: &message})
	lateAttach := s.schedule == nil && message.TargetType == models.MessageTargetSchedule
	s.mu.Unlock()

	if lateAttach {
		go s.attachTarget(message.TargetID)
	}
}

func (s *ChatSession) onRemoteSchedule(schedule models.CollectionSchedule) {
	if s.isClosed() {
		return
	}
	s.applySchedule(schedule)
}

// attachTarget attaches the schedule a remote message replied to.
func (s *ChatSession) attachTarget(targetID string) {
	scheduleID, err := strconv.ParseUint(targetID, 10, 64)
	if err != nil {
		return
	}

	schedule, err := s.schedules.GetByID(s.ctx, s.userID, uint(scheduleID))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("schedule_id", targetID).Msg("failed to attach replied schedule")
		}
		return
	}
	if !schedule.Active() {
		return
	}
	if err := s.attach(s.ctx, schedule); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn().Err(err).Str("schedule_id", targetID).Msg("replied schedule not attached")
	}
}
