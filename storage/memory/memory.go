// Package memory implements every storage collaborator in process. It
// backs tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/guildline/mls/domain"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte{}, in...)
}

///
/// Snapshots
///

type Snapshots struct {
	mu    sync.RWMutex
	items map[domain.SnapshotKey]domain.Snapshot
}

func NewSnapshots() *Snapshots {
	return &Snapshots{items: map[domain.SnapshotKey]domain.Snapshot{}}
}

func (s *Snapshots) Save(_ context.Context, key domain.SnapshotKey, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = domain.Snapshot{
		SchemaVersion: snap.SchemaVersion,
		Topology:      dup(snap.Topology),
		KeyMaterial:   dup(snap.KeyMaterial),
	}
	return nil
}

func (s *Snapshots) Load(_ context.Context, key domain.SnapshotKey) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	return &domain.Snapshot{
		SchemaVersion: snap.SchemaVersion,
		Topology:      dup(snap.Topology),
		KeyMaterial:   dup(snap.KeyMaterial),
	}, nil
}

func (s *Snapshots) Delete(_ context.Context, key domain.SnapshotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *Snapshots) DeleteDevice(_ context.Context, user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.items {
		if k.User == user && k.Device == device {
			delete(s.items, k)
		}
	}
	return nil
}

///
/// Identities
///

type identityKey struct {
	user   domain.UserID
	device domain.DeviceID
}

type Identities struct {
	mu    sync.RWMutex
	items map[identityKey][]byte
}

func NewIdentities() *Identities {
	return &Identities{items: map[identityKey][]byte{}}
}

func (s *Identities) LoadIdentity(_ context.Context, user domain.UserID, device domain.DeviceID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dup(s.items[identityKey{user, device}]), nil
}

func (s *Identities) SaveIdentity(_ context.Context, user domain.UserID, device domain.DeviceID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[identityKey{user, device}] = dup(data)
	return nil
}

///
/// Pending-welcome mailbox
///

type mailboxKey struct {
	guild   domain.GuildID
	channel domain.ChannelID
	target  domain.UserID
}

type Mailbox struct {
	mu     sync.Mutex
	nextID int
	rows   map[mailboxKey][]*domain.PendingWelcome
	now    func() time.Time
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		rows: map[mailboxKey][]*domain.PendingWelcome{},
		now:  time.Now,
	}
}

func (m *Mailbox) Publish(_ context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID, welcome []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	row := &domain.PendingWelcome{
		ID:        strconv.Itoa(m.nextID),
		Guild:     guild,
		Channel:   channel,
		Target:    target,
		Welcome:   dup(welcome),
		CreatedAt: m.now(),
	}
	k := mailboxKey{guild, channel, target}
	m.rows[k] = append(m.rows[k], row)
	return row.ID, nil
}

// Claim marks the most recent unconsumed welcome consumed and returns it.
func (m *Mailbox) Claim(_ context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID) (*domain.ClaimedWelcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[mailboxKey{guild, channel, target}]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ConsumedAt != nil {
			continue
		}

		now := m.now()
		rows[i].ConsumedAt = &now
		return &domain.ClaimedWelcome{Welcome: dup(rows[i].Welcome), ConsumedAt: now}, nil
	}
	return nil, nil
}

// Pending counts unconsumed welcomes for a target.
func (m *Mailbox) Pending(guild domain.GuildID, channel domain.ChannelID, target domain.UserID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, row := range m.rows[mailboxKey{guild, channel, target}] {
		if row.ConsumedAt == nil {
			n++
		}
	}
	return n
}

///
/// Key-package directory
///

type directoryKey struct {
	guild domain.GuildID
	user  domain.UserID
}

type Directory struct {
	mu     sync.RWMutex
	latest map[directoryKey][]byte
}

func NewDirectory() *Directory {
	return &Directory{latest: map[directoryKey][]byte{}}
}

func (d *Directory) PublishKeyPackage(_ context.Context, guild domain.GuildID, user domain.UserID, keyPackage []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest[directoryKey{guild, user}] = dup(keyPackage)
	return nil
}

func (d *Directory) FetchLatestKeyPackage(_ context.Context, guild domain.GuildID, user domain.UserID) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	kp, ok := d.latest[directoryKey{guild, user}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return dup(kp), nil
}

///
/// Roster
///

type Roster struct {
	mu      sync.RWMutex
	members map[domain.GuildID]map[domain.UserID]domain.Member
}

func NewRoster() *Roster {
	return &Roster{members: map[domain.GuildID]map[domain.UserID]domain.Member{}}
}

func (r *Roster) Put(guild domain.GuildID, m domain.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[guild] == nil {
		r.members[guild] = map[domain.UserID]domain.Member{}
	}
	r.members[guild][m.UserID] = m
}

// ListActiveMembers returns members ordered by user id.
func (r *Roster) ListActiveMembers(_ context.Context, guild domain.GuildID) ([]domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Member, 0, len(r.members[guild]))
	for _, m := range r.members[guild] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
