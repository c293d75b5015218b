// Package bolt stores device identities and group snapshots in a local
// bbolt database.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/guildline/mls/domain"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	bbolt "go.etcd.io/bbolt"
)

const (
	metadataBucket   = "metadata"
	versionKey       = "version"
	snapshotsBucket  = "snapshots"
	identitiesBucket = "identities"

	dbVersion = 0
)

// Store implements session.SnapshotStore and session.IdentityStore.
// Snapshots live in one nested bucket per device so a device reset is a
// single bucket delete.
type Store struct {
	db *bbolt.DB
}

// New creates (or loads) the database at path.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(snapshotsBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(identitiesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("bolt: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	jww.INFO.Printf("[MLS] opened bolt store %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		jww.WARN.Printf("[MLS] syncing bolt store: %v", err)
	}
	return s.db.Close()
}

func deviceBucket(user domain.UserID, device domain.DeviceID) []byte {
	return domain.DeviceLabel(user, device)
}

func channelKey(guild domain.GuildID, channel domain.ChannelID) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(guild))
	binary.BigEndian.PutUint64(k[8:], uint64(channel))
	return k
}

func (s *Store) Save(_ context.Context, key domain.SnapshotKey, snap domain.Snapshot) error {
	value, err := cbor.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.Bucket([]byte(snapshotsBucket)).CreateBucketIfNotExists(deviceBucket(key.User, key.Device))
		if err != nil {
			return err
		}
		return bkt.Put(channelKey(key.Guild, key.Channel), value)
	})
}

func (s *Store) Load(_ context.Context, key domain.SnapshotKey) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(snapshotsBucket)).Bucket(deviceBucket(key.User, key.Device))
		if bkt == nil {
			return nil
		}

		value := bkt.Get(channelKey(key.Guild, key.Channel))
		if value == nil {
			return nil
		}

		// value is only valid for the life of the transaction; Unmarshal
		// copies byte strings out of it.
		snap = new(domain.Snapshot)
		if err := cbor.Unmarshal(value, snap); err != nil {
			return errors.Wrapf(domain.ErrCorruptSnapshot, "%s: %v", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) Delete(_ context.Context, key domain.SnapshotKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(snapshotsBucket)).Bucket(deviceBucket(key.User, key.Device))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(channelKey(key.Guild, key.Channel))
	})
}

func (s *Store) DeleteDevice(_ context.Context, user domain.UserID, device domain.DeviceID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(snapshotsBucket)).DeleteBucket(deviceBucket(user, device))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) LoadIdentity(_ context.Context, user domain.UserID, device domain.DeviceID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(identitiesBucket)).Get(domain.DeviceLabel(user, device)); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	return data, err
}

func (s *Store) SaveIdentity(_ context.Context, user domain.UserID, device domain.DeviceID, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Put(domain.DeviceLabel(user, device), data)
	})
}
