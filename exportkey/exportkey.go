// Package exportkey derives fixed-length keys for consumers outside MLS,
// such as voice frame encryption, from a channel's exported group secret.
package exportkey

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/internal/metrics"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultKeyLength = 32
	DefaultTTL       = 5 * time.Minute
	exportLabel      = "guildline external key"
)

// Exporter is the part of the session manager a Deriver needs.
// session.Manager implements it.
type Exporter interface {
	Epoch(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (uint64, error)
	ExportSecret(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, label string, length int) ([]byte, uint64, error)
}

// MissingMlsGroupError means the channel has no active group on this
// device.
type MissingMlsGroupError struct {
	Guild   domain.GuildID
	Channel domain.ChannelID
}

func (e *MissingMlsGroupError) Error() string {
	return fmt.Sprintf("no mls group for guild %d channel %d", e.Guild, e.Channel)
}

func (e *MissingMlsGroupError) Unwrap() error {
	return mls.ErrMissingMlsGroup
}

type ExportFailureError struct {
	Guild   domain.GuildID
	Channel domain.ChannelID
	Cause   error
}

func (e *ExportFailureError) Error() string {
	return fmt.Sprintf("exporting secret for guild %d channel %d: %v", e.Guild, e.Channel, e.Cause)
}

func (e *ExportFailureError) Unwrap() error {
	return e.Cause
}

type cacheKey struct {
	guild   domain.GuildID
	channel domain.ChannelID
	purpose string
}

type cached struct {
	epoch   uint64
	key     []byte
	expires time.Time
}

type Deriver struct {
	exporter  Exporter
	keyLength int
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cached
}

// NewDeriver uses the defaults for a non-positive keyLength or ttl.
func NewDeriver(exporter Exporter, keyLength int, ttl time.Duration) *Deriver {
	if keyLength <= 0 {
		keyLength = DefaultKeyLength
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deriver{
		exporter:  exporter,
		keyLength: keyLength,
		ttl:       ttl,
		now:       time.Now,
		cache:     map[cacheKey]cached{},
	}
}

func (d *Deriver) classify(guild domain.GuildID, channel domain.ChannelID, err error) error {
	if errors.Is(err, mls.ErrNotInitialized) {
		return &MissingMlsGroupError{Guild: guild, Channel: channel}
	}
	return &ExportFailureError{Guild: guild, Channel: channel, Cause: err}
}

// DeriveExternalKey returns the key for purpose on the channel. Within an
// epoch and the cache lifetime repeated calls return the cached key.
func (d *Deriver) DeriveExternalKey(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, purpose string) ([]byte, error) {
	epoch, err := d.exporter.Epoch(ctx, guild, channel)
	if err != nil {
		return nil, d.classify(guild, channel, err)
	}

	k := cacheKey{guild, channel, purpose}

	d.mu.Lock()
	entry, ok := d.cache[k]
	d.mu.Unlock()

	if ok && entry.epoch == epoch && d.now().Before(entry.expires) {
		if len(entry.key) != d.keyLength {
			return nil, &mls.InvalidDerivedKeyLengthError{Expected: d.keyLength, Actual: len(entry.key)}
		}
		metrics.ExternalKeys.WithLabelValues("cache").Inc()
		return append([]byte{}, entry.key...), nil
	}

	secret, epoch, err := d.exporter.ExportSecret(ctx, guild, channel, exportLabel, d.keyLength)
	if err != nil {
		return nil, d.classify(guild, channel, err)
	}
	if len(secret) != d.keyLength {
		return nil, &mls.InvalidDerivedKeyLengthError{Expected: d.keyLength, Actual: len(secret)}
	}

	info := []byte(purpose + "|" + domain.RoomName(guild, channel))
	key := make([]byte, d.keyLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), key); err != nil {
		return nil, &ExportFailureError{Guild: guild, Channel: channel, Cause: err}
	}

	d.mu.Lock()
	d.cache[k] = cached{epoch: epoch, key: key, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()

	metrics.ExternalKeys.WithLabelValues("derived").Inc()
	jww.DEBUG.Printf("[MLS] derived %q key for %s at epoch %d", purpose, domain.RoomName(guild, channel), epoch)
	return append([]byte{}, key...), nil
}

// Forget drops every cached key for the channel.
func (d *Deriver) Forget(guild domain.GuildID, channel domain.ChannelID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.cache {
		if k.guild == guild && k.channel == channel {
			delete(d.cache, k)
		}
	}
}
