package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guildline/mls/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestMailbox(t *testing.T) (*Mailbox, domain.GuildID) {
	addr := os.Getenv("MLS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MLS_TEST_REDIS_ADDR not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.Nil(t, rdb.Ping(context.Background()).Err())

	return NewMailbox(rdb, time.Minute), domain.GuildID(time.Now().UnixNano())
}

func TestClaimNewestFirst(t *testing.T) {
	ctx := context.Background()
	m, guild := newTestMailbox(t)

	claimed, err := m.Claim(ctx, guild, 13, 2)
	require.Nil(t, err)
	require.Nil(t, claimed)

	_, err = m.Publish(ctx, guild, 13, 2, []byte("old"))
	require.Nil(t, err)
	id, err := m.Publish(ctx, guild, 13, 2, []byte("new"))
	require.Nil(t, err)
	require.NotEmpty(t, id)

	claimed, err = m.Claim(ctx, guild, 13, 2)
	require.Nil(t, err)
	require.Equal(t, []byte("new"), claimed.Welcome)
	require.False(t, claimed.ConsumedAt.IsZero())

	claimed, err = m.Claim(ctx, guild, 13, 2)
	require.Nil(t, err)
	require.Equal(t, []byte("old"), claimed.Welcome)

	claimed, err = m.Claim(ctx, guild, 13, 2)
	require.Nil(t, err)
	require.Nil(t, claimed)
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	m, guild := newTestMailbox(t)

	_, err := m.Publish(ctx, guild, 13, 2, []byte("welcome"))
	require.Nil(t, err)

	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.Claim(ctx, guild, 13, 2)
			require.Nil(t, err)
			if claimed != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, got)
}
