// Package redis implements the pending-welcome mailbox on Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guildline/mls/domain"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Pops the newest pending id and marks its row consumed.
// KEYS[1]=pending list; ARGV[1]=row key prefix; ARGV[2]=now (unix ms);
// ARGV[3]=retention (ms). Returns {welcome, now} or nil.
var claimScript = goredis.NewScript(`
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local row = ARGV[1] .. id
  local welcome = redis.call('HGET', row, 'welcome')
  if not welcome then
    return false
  end
  redis.call('HSET', row, 'consumed_at', ARGV[2])
  redis.call('PEXPIRE', row, ARGV[3])
  return {welcome, ARGV[2]}
`)

const rowPrefix = "mls:welcome:"

type Mailbox struct {
	rdb       goredis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewMailbox keeps rows, consumed or not, for retention.
func NewMailbox(rdb goredis.UniversalClient, retention time.Duration) *Mailbox {
	return &Mailbox{rdb: rdb, retention: retention, now: time.Now}
}

func pendingKey(guild domain.GuildID, channel domain.ChannelID, target domain.UserID) string {
	return fmt.Sprintf("mls:welcomes:%d:%d:%d", guild, channel, target)
}

func (m *Mailbox) Publish(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID, welcome []byte) (string, error) {
	id := uuid.NewString()
	row := rowPrefix + id
	list := pendingKey(guild, channel, target)

	_, err := m.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, row,
			"welcome", welcome,
			"created_at", m.now().UnixMilli())
		pipe.PExpire(ctx, row, m.retention)
		pipe.RPush(ctx, list, id)
		pipe.PExpire(ctx, list, m.retention)
		return nil
	})
	if err != nil {
		return "", errors.WithMessage(err, "publishing welcome")
	}
	return id, nil
}

func (m *Mailbox) Claim(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID) (*domain.ClaimedWelcome, error) {
	res, err := claimScript.Run(ctx, m.rdb,
		[]string{pendingKey(guild, channel, target)},
		rowPrefix, m.now().UnixMilli(), m.retention.Milliseconds(),
	).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "claiming welcome")
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, errors.Errorf("unexpected claim reply %v", res)
	}
	welcome, _ := arr[0].(string)
	stamp, _ := arr[1].(string)
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parsing consumed_at")
	}

	return &domain.ClaimedWelcome{Welcome: []byte(welcome), ConsumedAt: time.UnixMilli(ms)}, nil
}
