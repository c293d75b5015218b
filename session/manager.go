// Package session keeps at most one live group engine per (guild, channel)
// for a device and serializes every operation on it.
package session

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/group"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

var ErrChannelBoundToOtherGuild = errors.New("channel is bound to a different guild")

// SnapshotStore extends the engine's store with the deletes needed for
// resets.
type SnapshotStore interface {
	group.SnapshotStore
	Delete(ctx context.Context, key domain.SnapshotKey) error
	DeleteDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error
}

// IdentityStore holds one serialized identity per device. LoadIdentity
// returns nil, nil when none has been saved.
type IdentityStore interface {
	LoadIdentity(ctx context.Context, user domain.UserID, device domain.DeviceID) ([]byte, error)
	SaveIdentity(ctx context.Context, user domain.UserID, device domain.DeviceID, data []byte) error
}

type channelKey struct {
	guild   domain.GuildID
	channel domain.ChannelID
}

// entry guards one engine. lock is a one-slot semaphore so that waiting
// can be abandoned through a context.
type entry struct {
	lock     chan struct{}
	engine   *group.Engine
	restored bool
	failed   error
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() {
	<-e.lock
}

type Manager struct {
	user     domain.UserID
	device   domain.DeviceID
	identity *mls.Identity
	store    SnapshotStore

	mu       sync.Mutex
	entries  map[channelKey]*entry
	channels map[domain.ChannelID]domain.GuildID
}

// NewManager loads the device identity, creating and saving one on first
// use.
func NewManager(ctx context.Context, user domain.UserID, device domain.DeviceID, store SnapshotStore, identities IdentityStore) (*Manager, error) {
	id, err := loadOrCreateIdentity(ctx, user, device, identities)
	if err != nil {
		return nil, err
	}

	return &Manager{
		user:     user,
		device:   device,
		identity: id,
		store:    store,
		entries:  map[channelKey]*entry{},
		channels: map[domain.ChannelID]domain.GuildID{},
	}, nil
}

func loadOrCreateIdentity(ctx context.Context, user domain.UserID, device domain.DeviceID, identities IdentityStore) (*mls.Identity, error) {
	label := domain.DeviceLabel(user, device)

	data, err := identities.LoadIdentity(ctx, user, device)
	if err != nil {
		return nil, errors.WithMessage(err, "loading device identity")
	}

	if data != nil {
		id, err := mls.DeserializeIdentity(data)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(id.Label(), label) {
			return nil, errors.Wrapf(mls.ErrMalformedIdentity, "stored identity is labelled %q, want %q", id.Label(), label)
		}
		return id, nil
	}

	id, err := mls.NewIdentity(label)
	if err != nil {
		return nil, err
	}

	data, err = id.Serialize()
	if err != nil {
		return nil, err
	}

	if err := identities.SaveIdentity(ctx, user, device, data); err != nil {
		return nil, errors.WithMessage(err, "saving device identity")
	}

	jww.INFO.Printf("[MLS] created identity for %s", label)
	return id, nil
}

func (m *Manager) User() domain.UserID {
	return m.user
}

func (m *Manager) Device() domain.DeviceID {
	return m.device
}

func (m *Manager) Identity() *mls.Identity {
	return m.identity
}

func (m *Manager) snapshotKey(guild domain.GuildID, channel domain.ChannelID) domain.SnapshotKey {
	return domain.SnapshotKey{User: m.user, Device: m.device, Guild: guild, Channel: channel}
}

// entry returns the entry for the channel, binding the channel to the
// guild on first use.
func (m *Manager) entry(guild domain.GuildID, channel domain.ChannelID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bound, ok := m.channels[channel]; ok && bound != guild {
		return nil, errors.Wrapf(ErrChannelBoundToOtherGuild, "channel %d is bound to guild %d", channel, bound)
	}
	m.channels[channel] = guild

	k := channelKey{guild, channel}
	e, ok := m.entries[k]
	if !ok {
		e = &entry{
			lock:   make(chan struct{}, 1),
			engine: group.NewEngine(m.snapshotKey(guild, channel), m.identity, m.store),
		}
		m.entries[k] = e
	}
	return e, nil
}

// WithGroup runs fn with exclusive access to the channel's engine, after
// restoring it from its snapshot if that has not happened yet. A restore
// that found an untrustworthy snapshot poisons the entry until it is
// reset.
func (m *Manager) WithGroup(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, fn func(*group.Engine) error) error {
	e, err := m.entry(guild, channel)
	if err != nil {
		return err
	}

	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	if e.failed != nil {
		return e.failed
	}

	if !e.restored {
		if err := e.engine.Restore(ctx); err != nil {
			if mls.IsFatalToGroup(err) {
				jww.ERROR.Printf("[MLS] refusing to use group %s: %v", e.engine.Key(), err)
				e.failed = err
			}
			return err
		}
		e.restored = true
	}

	return fn(e.engine)
}

// OpenOrCreate makes sure the channel has a live entry restored from any
// persisted snapshot. It does not create a group.
func (m *Manager) OpenOrCreate(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error {
	return m.WithGroup(ctx, guild, channel, func(*group.Engine) error { return nil })
}

func (m *Manager) IsActive(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	var active bool
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		active = e.IsActive()
		return nil
	})
	return active, err
}

func (m *Manager) Epoch(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (uint64, error) {
	var epoch uint64
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		if !e.IsActive() {
			return mls.ErrNotInitialized
		}
		epoch = e.Epoch()
		return nil
	})
	return epoch, err
}

func (m *Manager) CreateGroup(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) error {
	return m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		return e.Create(ctx, channel)
	})
}

func (m *Manager) JoinFromWelcome(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, welcome []byte) error {
	return m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		return e.JoinFromWelcome(ctx, welcome)
	})
}

func (m *Manager) AddMember(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, keyPackage []byte) (commit, welcome []byte, err error) {
	err = m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		commit, welcome, err = e.AddMember(ctx, keyPackage)
		return err
	})
	return commit, welcome, err
}

func (m *Manager) Encrypt(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, plaintext []byte) ([]byte, error) {
	var ciphertext []byte
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		ciphertext, err = e.EncryptApplication(ctx, plaintext)
		return err
	})
	return ciphertext, err
}

// Decrypt returns the plaintext of an application message, or nil for
// protocol traffic that has no visible content.
func (m *Manager) Decrypt(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, ciphertext []byte) ([]byte, mls.MessageKind, error) {
	var (
		plaintext []byte
		kind      mls.MessageKind
	)
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		plaintext, kind, err = e.DecryptApplication(ctx, ciphertext)
		return err
	})
	return plaintext, kind, err
}

// ExportSecret also returns the epoch the secret belongs to.
func (m *Manager) ExportSecret(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, label string, length int) ([]byte, uint64, error) {
	var (
		secret []byte
		epoch  uint64
	)
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		secret, err = e.ExportSecret(label, length)
		epoch = e.Epoch()
		return err
	})
	return secret, epoch, err
}

func (m *Manager) Members(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) ([][]byte, error) {
	var members [][]byte
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		members, err = e.Members()
		return err
	})
	return members, err
}

func (m *Manager) ContainsKeyPackageIdentity(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, keyPackage []byte) (bool, error) {
	var found bool
	err := m.WithGroup(ctx, guild, channel, func(e *group.Engine) error {
		var err error
		found, err = e.ContainsKeyPackageIdentity(keyPackage)
		return err
	})
	return found, err
}

// KeyPackage issues a fresh key package for this device. Key packages are
// not tied to a guild; guild only scopes the log line.
func (m *Manager) KeyPackage(guild domain.GuildID) ([]byte, error) {
	kp, err := mls.IssueKeyPackage(m.identity)
	if err != nil {
		return nil, err
	}
	jww.DEBUG.Printf("[MLS] issued key package for guild %d", guild)
	return kp, nil
}

func (m *Manager) HasPersistedGroupState(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	snap, err := m.store.Load(ctx, m.snapshotKey(guild, channel))
	if err != nil {
		return false, err
	}
	return snap != nil, nil
}

// ResetChannelGroupState deletes the channel's snapshot and returns its
// entry to a fresh, uninitialized engine. It reports whether a snapshot
// existed.
func (m *Manager) ResetChannelGroupState(ctx context.Context, guild domain.GuildID, channel domain.ChannelID) (bool, error) {
	m.mu.Lock()
	e := m.entries[channelKey{guild, channel}]
	m.mu.Unlock()

	if e != nil {
		if err := e.acquire(ctx); err != nil {
			return false, err
		}
		defer e.release()
	}

	existed, err := m.HasPersistedGroupState(ctx, guild, channel)
	if err != nil {
		return false, err
	}

	if err := m.store.Delete(ctx, m.snapshotKey(guild, channel)); err != nil {
		return false, errors.WithMessage(err, "deleting snapshot")
	}

	if e != nil {
		m.resetEntry(e, guild, channel)
	}

	m.mu.Lock()
	if m.channels[channel] == guild {
		delete(m.channels, channel)
	}
	m.mu.Unlock()

	jww.WARN.Printf("[MLS] reset group state for %s", m.snapshotKey(guild, channel))
	return existed, nil
}

// ResetAllGroupStatesForDevice deletes every snapshot of this device and
// resets every live entry.
func (m *Manager) ResetAllGroupStatesForDevice(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]channelKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	live := make([]*entry, 0, len(keys))
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].guild != keys[j].guild {
			return keys[i].guild < keys[j].guild
		}
		return keys[i].channel < keys[j].channel
	})
	for _, k := range keys {
		live = append(live, m.entries[k])
	}
	m.mu.Unlock()

	// Entries are locked in key order so concurrent resets cannot deadlock.
	held := 0
	defer func() {
		for _, e := range live[:held] {
			e.release()
		}
	}()
	for _, e := range live {
		if err := e.acquire(ctx); err != nil {
			return err
		}
		held++
	}

	if err := m.store.DeleteDevice(ctx, m.user, m.device); err != nil {
		return errors.WithMessage(err, "deleting device snapshots")
	}

	for i, e := range live {
		m.resetEntry(e, keys[i].guild, keys[i].channel)
	}

	m.mu.Lock()
	m.channels = map[domain.ChannelID]domain.GuildID{}
	m.mu.Unlock()

	jww.WARN.Printf("[MLS] reset all group state for user %d device %s", m.user, m.device)
	return nil
}

// resetEntry must be called with the entry's lock held.
func (m *Manager) resetEntry(e *entry, guild domain.GuildID, channel domain.ChannelID) {
	e.engine = group.NewEngine(m.snapshotKey(guild, channel), m.identity, m.store)
	e.restored = false
	e.failed = nil
}
