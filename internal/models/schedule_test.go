package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionSchedule(t *testing.T) {
	cases := []struct {
		from, to string
		allowed  bool
	}{
		{ScheduleStatusPending, ScheduleStatusPending, true},
		{ScheduleStatusPending, ScheduleStatusForCollection, true},
		{ScheduleStatusForCollection, ScheduleStatusCompleted, true},
		{ScheduleStatusPending, ScheduleStatusCompleted, false},
		{ScheduleStatusForCollection, ScheduleStatusPending, false},
		{ScheduleStatusCompleted, ScheduleStatusPending, false},
		{ScheduleStatusCompleted, ScheduleStatusCompleted, false},
		{"archived", ScheduleStatusPending, false},
	}

	for _, tc := range cases {
		require.Equal(t, tc.allowed, CanTransitionSchedule(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	require.True(t, IsValidScheduleStatus(ScheduleStatusForCollection))
	require.False(t, IsValidScheduleStatus("cancelled"))
}

func TestCollectionScheduleParties(t *testing.T) {
	schedule := CollectionSchedule{ID: 42, CollectorID: "u2", OffererID: "u1", Status: ScheduleStatusPending}

	require.True(t, schedule.Involves("u1"))
	require.True(t, schedule.Involves("u2"))
	require.False(t, schedule.Involves("u3"))
	require.False(t, schedule.Involves(""))

	require.Equal(t, "u2", schedule.Counterparty("u1"))
	require.Equal(t, "u1", schedule.Counterparty("u2"))

	require.True(t, schedule.MatchesPair("u1", "u2"))
	require.True(t, schedule.MatchesPair("u2", "u1"))
	require.False(t, schedule.MatchesPair("u1", "u3"))

	require.Equal(t, "42", schedule.TargetID())
	require.True(t, schedule.Active())
	schedule.Status = ScheduleStatusCompleted
	require.False(t, schedule.Active())
}

func TestParseScheduleMoment(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)

	moment, err := ParseScheduleMoment("2030-05-01", "09:30", jakarta)
	require.NoError(t, err)
	require.Equal(t, time.Date(2030, time.May, 1, 2, 30, 0, 0, time.UTC), moment.UTC())

	moment, err = ParseScheduleMoment("2030-05-01", "09:30", nil)
	require.NoError(t, err)
	require.Equal(t, time.UTC, moment.Location())

	_, err = ParseScheduleMoment("2030-13-01", "09:30", nil)
	require.Error(t, err)
	_, err = ParseScheduleMoment("2030-05-01", "9h30", nil)
	require.Error(t, err)
}

func TestChatMessageBefore(t *testing.T) {
	at := time.Date(2030, time.January, 1, 10, 0, 0, 0, time.UTC)
	first := ChatMessage{ID: 1, CreatedAt: at}
	second := ChatMessage{ID: 2, CreatedAt: at}
	later := ChatMessage{ID: 0, CreatedAt: at.Add(time.Second)}

	require.True(t, first.Before(second))
	require.False(t, second.Before(first))
	require.True(t, second.Before(later))
	require.False(t, later.Before(first))
}

func TestChatSessionCounterparty(t *testing.T) {
	chat := ChatSession{ID: "c1", ParticipantA: "u1", ParticipantB: "u2"}

	require.True(t, chat.Includes("u1"))
	require.False(t, chat.Includes("u3"))
	require.Equal(t, "u2", chat.Counterparty("u1"))
	require.Equal(t, "u1", chat.Counterparty("u2"))
}
