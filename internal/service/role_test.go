package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/recycle-exchange-api/internal/models"
)

func TestInferRole(t *testing.T) {
	parties := Parties{OffererID: "A", CollectorID: "B"}

	require.Equal(t, Role{IsSeller: true}, InferRole(parties, "A", CategorySell))
	require.Equal(t, Role{IsBuyer: true}, InferRole(parties, "B", CategorySell))
	require.Equal(t, Role{IsBuyer: true}, InferRole(parties, "A", CategorySeek))
	require.Equal(t, Role{IsSeller: true}, InferRole(parties, "B", CategorySeek))

	require.Equal(t, Role{}, InferRole(parties, "C", CategorySell))
	require.Equal(t, Role{}, InferRole(parties, "", CategorySeek))
}

func TestCategoryFromID(t *testing.T) {
	require.Equal(t, CategorySell, CategoryFromID(models.CategorySell))
	require.Equal(t, CategorySeek, CategoryFromID(models.CategorySeek))
	require.Equal(t, CategorySeek, CategoryFromID(7))
	require.Equal(t, "sell", CategorySell.String())
	require.Equal(t, "unknown", Category(0).String())
}

func TestCanAgreeFollowsCategory(t *testing.T) {
	schedule := models.CollectionSchedule{OffererID: "A", CollectorID: "B", Status: models.ScheduleStatusPending}

	// Sell listing: the collector buys and agrees.
	require.True(t, CanAgree(schedule, "B", CategorySell))
	require.False(t, CanAgree(schedule, "A", CategorySell))

	// Seek listing: the collector sells and agrees.
	require.True(t, CanAgree(schedule, "B", CategorySeek))
	require.False(t, CanAgree(schedule, "A", CategorySeek))

	require.False(t, CanAgree(schedule, "C", CategorySell))

	schedule.Status = models.ScheduleStatusForCollection
	require.False(t, CanAgree(schedule, "B", CategorySell))
}

func TestRoleResponseFor(t *testing.T) {
	schedule := models.CollectionSchedule{OffererID: "A", CollectorID: "B", Status: models.ScheduleStatusPending}

	offerer := RoleResponseFor(schedule, "A", CategorySell)
	require.True(t, offerer.IsSeller)
	require.False(t, offerer.CanAgree)
	require.True(t, offerer.AwaitsAgree)

	collector := RoleResponseFor(schedule, "B", CategorySell)
	require.True(t, collector.IsBuyer)
	require.True(t, collector.CanAgree)
	require.False(t, collector.AwaitsAgree)
}
