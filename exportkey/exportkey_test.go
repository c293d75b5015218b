package exportkey

import (
	"context"
	"testing"
	"time"

	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/session"
	"github.com/guildline/mls/storage/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	guild   = domain.GuildID(7)
	channel = domain.ChannelID(13)
)

type countingExporter struct {
	Exporter
	exports int
}

func (c *countingExporter) ExportSecret(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, label string, length int) ([]byte, uint64, error) {
	c.exports++
	return c.Exporter.ExportSecret(ctx, guild, channel, label, length)
}

type shortExporter struct{}

func (shortExporter) Epoch(context.Context, domain.GuildID, domain.ChannelID) (uint64, error) {
	return 3, nil
}

func (shortExporter) ExportSecret(context.Context, domain.GuildID, domain.ChannelID, string, int) ([]byte, uint64, error) {
	return make([]byte, 16), 3, nil
}

type brokenExporter struct{ shortExporter }

func (brokenExporter) ExportSecret(context.Context, domain.GuildID, domain.ChannelID, string, int) ([]byte, uint64, error) {
	return nil, 0, errors.New("backend unavailable")
}

func newManager(t *testing.T, user domain.UserID) *session.Manager {
	m, err := session.NewManager(context.Background(), user, "d1", memory.NewSnapshots(), memory.NewIdentities())
	require.Nil(t, err)
	return m
}

func TestDeriveSharedAndCached(t *testing.T) {
	ctx := context.Background()
	alice, bob := newManager(t, 1), newManager(t, 2)

	require.Nil(t, alice.CreateGroup(ctx, guild, channel))
	kp, err := bob.KeyPackage(guild)
	require.Nil(t, err)
	_, welcome, err := alice.AddMember(ctx, guild, channel, kp)
	require.Nil(t, err)
	require.Nil(t, bob.JoinFromWelcome(ctx, guild, channel, welcome))

	counting := &countingExporter{Exporter: alice}
	da := NewDeriver(counting, 0, 0)
	db := NewDeriver(bob, 0, 0)

	ka, err := da.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	require.Len(t, ka, DefaultKeyLength)

	kb, err := db.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	require.Equal(t, ka, kb)

	again, err := da.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	require.Equal(t, ka, again)
	require.Equal(t, 1, counting.exports)

	other, err := da.DeriveExternalKey(ctx, guild, channel, "screenshare")
	require.Nil(t, err)
	require.NotEqual(t, ka, other)

	// A new epoch gives a new key
	charlieKP, err := newManager(t, 3).KeyPackage(guild)
	require.Nil(t, err)
	_, _, err = alice.AddMember(ctx, guild, channel, charlieKP)
	require.Nil(t, err)

	next, err := da.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	require.NotEqual(t, ka, next)
	require.Equal(t, 3, counting.exports)
}

func TestDeriveDiffersPerChannel(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 1)
	require.Nil(t, m.CreateGroup(ctx, guild, channel))
	require.Nil(t, m.CreateGroup(ctx, guild, channel+1))

	d := NewDeriver(m, 0, 0)
	k1, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	k2, err := d.DeriveExternalKey(ctx, guild, channel+1, "livekit")
	require.Nil(t, err)
	require.NotEqual(t, k1, k2)
}

func TestDeriveExpiry(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, 1)
	require.Nil(t, m.CreateGroup(ctx, guild, channel))

	counting := &countingExporter{Exporter: m}
	d := NewDeriver(counting, 0, time.Minute)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	k1, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)

	now = now.Add(2 * time.Minute)
	k2, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)

	require.Equal(t, k1, k2)
	require.Equal(t, 2, counting.exports)
}

func TestDeriveErrors(t *testing.T) {
	ctx := context.Background()

	d := NewDeriver(newManager(t, 1), 0, 0)
	_, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	var missing *MissingMlsGroupError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, channel, missing.Channel)
	require.True(t, errors.Is(err, mls.ErrMissingMlsGroup))

	_, err = NewDeriver(shortExporter{}, 32, 0).DeriveExternalKey(ctx, guild, channel, "livekit")
	var invalid *mls.InvalidDerivedKeyLengthError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, 32, invalid.Expected)
	require.Equal(t, 16, invalid.Actual)

	_, err = NewDeriver(brokenExporter{}, 32, 0).DeriveExternalKey(ctx, guild, channel, "livekit")
	var failure *ExportFailureError
	require.True(t, errors.As(err, &failure))
	require.Equal(t, guild, failure.Guild)
}

func TestCorruptCacheEntryFailsLoudly(t *testing.T) {
	ctx := context.Background()
	d := NewDeriver(shortExporter{}, 16, 0)

	_, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)

	k := cacheKey{guild, channel, "livekit"}
	entry := d.cache[k]
	entry.key = entry.key[:8]
	d.cache[k] = entry

	_, err = d.DeriveExternalKey(ctx, guild, channel, "livekit")
	var invalid *mls.InvalidDerivedKeyLengthError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, 8, invalid.Actual)

	d.Forget(guild, channel)
	key, err := d.DeriveExternalKey(ctx, guild, channel, "livekit")
	require.Nil(t, err)
	require.Len(t, key, 16)
}
