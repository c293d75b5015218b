// Package ekvstore stores device identities and group snapshots encrypted at
// rest in an ekv key-value store.
package ekvstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/guildline/mls/domain"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

// Store implements session.SnapshotStore and session.IdentityStore. ekv
// has no key listing, so each device keeps an index of its snapshot keys.
type Store struct {
	kv ekv.KeyValue
	mu sync.Mutex
}

// New wraps an existing ekv store.
func New(kv ekv.KeyValue) *Store {
	return &Store{kv: kv}
}

// Open creates or opens an encrypted filestore in dir.
func Open(dir, password string) (*Store, error) {
	fs, err := ekv.NewFilestore(dir, password)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening ekv filestore in %s", dir)
	}
	jww.INFO.Printf("[MLS] opened ekv store %s", dir)
	return New(fs), nil
}

type channelRef struct {
	Guild   domain.GuildID   `cbor:"1,keyasint"`
	Channel domain.ChannelID `cbor:"2,keyasint"`
}

func snapshotKey(key domain.SnapshotKey) string {
	return fmt.Sprintf("mls/snapshot/%s/%d/%d", domain.DeviceLabel(key.User, key.Device), key.Guild, key.Channel)
}

func indexKey(user domain.UserID, device domain.DeviceID) string {
	return fmt.Sprintf("mls/index/%s", domain.DeviceLabel(user, device))
}

func identityKey(user domain.UserID, device domain.DeviceID) string {
	return fmt.Sprintf("mls/identity/%s", domain.DeviceLabel(user, device))
}

// blob stores raw bytes through ekv's Marshaler interfaces.
type blob []byte

func (b blob) Marshal() []byte {
	return b
}

func (b *blob) Unmarshal(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

// get returns nil, nil for a missing key.
func (s *Store) get(key string) ([]byte, error) {
	var data blob
	if err := s.kv.Get(key, &data); err != nil {
		if ekv.Exists(err) {
			return nil, errors.WithMessagef(err, "reading %s", key)
		}
		return nil, nil
	}
	return data, nil
}

func (s *Store) set(key string, data []byte) error {
	if err := s.kv.Set(key, blob(data)); err != nil {
		return errors.WithMessagef(err, "writing %s", key)
	}
	return nil
}

func (s *Store) loadIndex(user domain.UserID, device domain.DeviceID) ([]channelRef, error) {
	data, err := s.get(indexKey(user, device))
	if err != nil || data == nil {
		return nil, err
	}
	var refs []channelRef
	if err := cbor.Unmarshal(data, &refs); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot index")
	}
	return refs, nil
}

func (s *Store) saveIndex(user domain.UserID, device domain.DeviceID, refs []channelRef) error {
	if len(refs) == 0 {
		return s.deleteKey(indexKey(user, device))
	}
	data, err := cbor.Marshal(refs)
	if err != nil {
		return err
	}
	return s.set(indexKey(user, device), data)
}

func (s *Store) Save(_ context.Context, key domain.SnapshotKey, snap domain.Snapshot) error {
	value, err := cbor.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.loadIndex(key.User, key.Device)
	if err != nil {
		return err
	}

	ref := channelRef{key.Guild, key.Channel}
	known := false
	for _, r := range refs {
		if r == ref {
			known = true
			break
		}
	}
	if !known {
		if err := s.saveIndex(key.User, key.Device, append(refs, ref)); err != nil {
			return err
		}
	}

	return s.set(snapshotKey(key), value)
}

func (s *Store) Load(_ context.Context, key domain.SnapshotKey) (*domain.Snapshot, error) {
	data, err := s.get(snapshotKey(key))
	if err != nil || data == nil {
		return nil, err
	}

	snap := new(domain.Snapshot)
	if err := cbor.Unmarshal(data, snap); err != nil {
		return nil, errors.Wrapf(domain.ErrCorruptSnapshot, "%s: %v", key, err)
	}
	return snap, nil
}

func (s *Store) Delete(_ context.Context, key domain.SnapshotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.loadIndex(key.User, key.Device)
	if err != nil {
		return err
	}

	ref := channelRef{key.Guild, key.Channel}
	kept := refs[:0]
	for _, r := range refs {
		if r != ref {
			kept = append(kept, r)
		}
	}

	if err := s.deleteKey(snapshotKey(key)); err != nil {
		return err
	}
	return s.saveIndex(key.User, key.Device, kept)
}

func (s *Store) DeleteDevice(_ context.Context, user domain.UserID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.loadIndex(user, device)
	if err != nil {
		return err
	}

	for _, r := range refs {
		k := domain.SnapshotKey{User: user, Device: device, Guild: r.Guild, Channel: r.Channel}
		if err := s.deleteKey(snapshotKey(k)); err != nil {
			return err
		}
	}
	return s.saveIndex(user, device, nil)
}

// deleteKey ignores keys that are already gone.
func (s *Store) deleteKey(key string) error {
	if err := s.kv.Delete(key); err != nil && ekv.Exists(err) {
		return errors.WithMessagef(err, "deleting %s", key)
	}
	return nil
}

func (s *Store) LoadIdentity(_ context.Context, user domain.UserID, device domain.DeviceID) ([]byte, error) {
	return s.get(identityKey(user, device))
}

func (s *Store) SaveIdentity(_ context.Context, user domain.UserID, device domain.DeviceID, data []byte) error {
	return s.set(identityKey(user, device), data)
}
