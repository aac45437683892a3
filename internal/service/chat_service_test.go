package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

func TestDecodeChatCommand(t *testing.T) {
	command, err := DecodeChatCommand([]byte(`{"type":"send","request_id":"r1","body":"hi","target":{"target_type":"schedule","target_id":"7"}}`))
	require.NoError(t, err)
	require.Equal(t, CommandSend, command.Type)
	require.Equal(t, "r1", command.RequestID)
	require.Equal(t, "7", command.Target.ID)

	command, err = DecodeChatCommand([]byte(`{"type":"edit_schedule","scheduled_date":"2030-02-01","scheduled_time":"10:00"}`))
	require.NoError(t, err)
	require.Equal(t, "2030-02-01", command.ScheduledDate)

	invalid := map[string]string{
		"not json":          `{"type":`,
		"unknown type":      `{"type":"delete"}`,
		"send without body": `{"type":"send"}`,
		"bad date":          `{"type":"edit_schedule","scheduled_date":"01/02/2030","scheduled_time":"10:00"}`,
		"extra field":       `{"type":"agree","force":true}`,
		"attach no offer":   `{"type":"attach_schedule"}`,
		"bad target type":   `{"type":"send","body":"x","target":{"target_type":"user","target_id":"u2"}}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChatCommand([]byte(raw))
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestErrorFrameCarriesKind(t *testing.T) {
	frame := errorFrame("r9", conflictError("stale"))
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, "r9", frame.RequestID)
	require.Equal(t, string(KindConflict), frame.Error.Kind)

	frame = errorFrame("", errors.New("boom"))
	require.Equal(t, string(KindTransientIO), frame.Error.Kind)
}

func TestEventFrameRendersSessionEvents(t *testing.T) {
	message := models.ChatMessage{ID: 3, ChatID: "c1", Body: "hi"}
	frame := eventFrame(SessionEvent{Type: EventMessage, Message: &message})
	require.Equal(t, string(EventMessage), frame.Type)
	require.Equal(t, uint(3), frame.Message.ID)
	require.Nil(t, frame.Schedule)

	frame = eventFrame(SessionEvent{Type: EventState, State: StateError, Err: conflictError("stale")})
	require.Equal(t, string(StateError), frame.State)
	require.Equal(t, string(KindConflict), frame.Error.Kind)
}
