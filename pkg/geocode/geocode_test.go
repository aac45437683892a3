package geocode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCachedMemoisesAddressesAndMisses(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	calls := 0
	upstream := ReverserFunc(func(ctx context.Context, lat, lon float64) (string, error) {
		calls++
		if lat > 0 {
			return "", nil
		}
		return "Jl. Merdeka 1, Bandung", nil
	})
	cached := NewCached(upstream, client, time.Hour, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		address, err := cached.Reverse(ctx, -6.91474, 107.60981)
		require.NoError(t, err)
		require.Equal(t, "Jl. Merdeka 1, Bandung", address)
	}
	require.Equal(t, 1, calls)

	// Nearby coordinates share a cache cell.
	_, err := cached.Reverse(ctx, -6.914741, 107.609812)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	for i := 0; i < 2; i++ {
		address, err := cached.Reverse(ctx, 1.0, 1.0)
		require.NoError(t, err)
		require.Empty(t, address)
	}
	require.Equal(t, 2, calls)

	server.FastForward(2 * time.Hour)
	_, err = cached.Reverse(ctx, -6.91474, 107.60981)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	failure := errors.New("provider unavailable")
	cached := NewCached(ReverserFunc(func(context.Context, float64, float64) (string, error) {
		return "", failure
	}), client, time.Hour, zerolog.Nop())

	_, err := cached.Reverse(context.Background(), 0, 0)
	require.ErrorIs(t, err, failure)
	require.Empty(t, server.Keys())
}

func TestNewCachedWithoutRedisReturnsUpstream(t *testing.T) {
	require.Equal(t, Nop{}, NewCached(Nop{}, nil, 0, zerolog.Nop()))

	address, err := Nop{}.Reverse(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Empty(t, address)
}
