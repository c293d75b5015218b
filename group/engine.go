// Package group owns the cryptographic state of one MLS group and keeps
// its persisted snapshot in step with every mutation.
package group

import (
	"bytes"
	"context"

	"github.com/guildline/mls"
	"github.com/guildline/mls/domain"
	"github.com/guildline/mls/internal/metrics"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SnapshotStore persists group snapshots. Load returns nil, nil when no
// snapshot exists for the key.
type SnapshotStore interface {
	Save(ctx context.Context, key domain.SnapshotKey, snap domain.Snapshot) error
	Load(ctx context.Context, key domain.SnapshotKey) (*domain.Snapshot, error)
}

type phase interface {
	isPhase()
}

type uninitialized struct{}

type active struct {
	state *mls.State
}

func (uninitialized) isPhase() {}
func (active) isPhase()        {}

// Engine is one group as seen by one device. It is not safe for
// concurrent use; the session layer serializes access.
type Engine struct {
	key      domain.SnapshotKey
	identity *mls.Identity
	store    SnapshotStore
	phase    phase
}

func NewEngine(key domain.SnapshotKey, identity *mls.Identity, store SnapshotStore) *Engine {
	return &Engine{
		key:      key,
		identity: identity,
		store:    store,
		phase:    uninitialized{},
	}
}

func (e *Engine) Key() domain.SnapshotKey {
	return e.key
}

func (e *Engine) IsActive() bool {
	_, ok := e.phase.(active)
	return ok
}

func (e *Engine) current() (*mls.State, error) {
	a, ok := e.phase.(active)
	if !ok {
		return nil, mls.ErrNotInitialized
	}
	return a.state, nil
}

// Epoch returns zero for an uninitialized group.
func (e *Engine) Epoch() uint64 {
	s, err := e.current()
	if err != nil {
		return 0
	}
	return uint64(s.Epoch)
}

// Restore loads the persisted snapshot if there is one. A missing
// snapshot leaves the engine uninitialized; an unreadable one is an error
// and also leaves it uninitialized.
func (e *Engine) Restore(ctx context.Context) error {
	if e.IsActive() {
		return mls.ErrAlreadyInitialized
	}

	snap, err := e.store.Load(ctx, e.key)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptSnapshot) {
			return errors.Wrapf(mls.ErrSnapshotUnreadable, "%v", err)
		}
		return errors.WithMessage(err, "loading snapshot")
	}

	if snap == nil {
		jww.DEBUG.Printf("[MLS] no snapshot for %s", e.key)
		return nil
	}

	if snap.SchemaVersion != domain.SnapshotSchemaVersion {
		return errors.Wrapf(mls.ErrSnapshotSchemaMismatch, "%s: found schema %d, want %d",
			e.key, snap.SchemaVersion, domain.SnapshotSchemaVersion)
	}

	state, err := mls.UnmarshalState(e.identity, snap.Topology, snap.KeyMaterial)
	if err != nil {
		return errors.Wrapf(mls.ErrSnapshotUnreadable, "%s: %v", e.key, err)
	}

	e.phase = active{state}
	jww.INFO.Printf("[MLS] restored %s at epoch %d", e.key, state.Epoch)
	return nil
}

// advance persists next and only then makes it the live state.
func (e *Engine) advance(ctx context.Context, next *mls.State) error {
	topology, secrets, err := mls.MarshalState(next)
	if err != nil {
		return err
	}

	snap := domain.Snapshot{
		SchemaVersion: domain.SnapshotSchemaVersion,
		Topology:      topology,
		KeyMaterial:   secrets,
	}
	if err := e.store.Save(ctx, e.key, snap); err != nil {
		return errors.WithMessagef(err, "persisting snapshot for %s", e.key)
	}

	e.phase = active{next}
	return nil
}

// Create starts a new group for the channel with this device as its only
// member.
func (e *Engine) Create(ctx context.Context, channel domain.ChannelID) error {
	if e.IsActive() {
		return mls.ErrAlreadyInitialized
	}

	state, err := mls.NewEmptyState(e.identity, mls.DeriveGroupID(uint64(channel)))
	if err != nil {
		return err
	}

	if err := e.advance(ctx, state); err != nil {
		return err
	}

	jww.INFO.Printf("[MLS] created group for %s", e.key)
	return nil
}

func (e *Engine) JoinFromWelcome(ctx context.Context, welcome []byte) error {
	if e.IsActive() {
		return mls.ErrAlreadyInitialized
	}

	state, err := mls.NewJoinedState(e.identity, welcome)
	if err != nil {
		return err
	}

	if !bytes.Equal(state.GroupID, mls.DeriveGroupID(uint64(e.key.Channel))) {
		return errors.Wrapf(mls.ErrWelcomeNotApplicable, "welcome is for another group than %s", e.key)
	}

	if err := e.advance(ctx, state); err != nil {
		return err
	}

	jww.INFO.Printf("[MLS] joined %s at epoch %d", e.key, state.Epoch)
	return nil
}

// AddMember adds the owner of keyPackage and merges the resulting commit.
// The commit goes to existing members, the welcome only to the new one.
func (e *Engine) AddMember(ctx context.Context, keyPackage []byte) ([]byte, []byte, error) {
	s, err := e.current()
	if err != nil {
		return nil, nil, err
	}

	commit, welcome, next, err := s.Add(keyPackage)
	if err != nil {
		return nil, nil, err
	}

	if err := e.advance(ctx, next); err != nil {
		return nil, nil, err
	}

	metrics.MembersAdded.Inc()
	jww.INFO.Printf("[MLS] added member to %s, now at epoch %d", e.key, next.Epoch)
	return commit, welcome, nil
}

func (e *Engine) EncryptApplication(ctx context.Context, plaintext []byte) ([]byte, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}

	ciphertext, next, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	if err := e.advance(ctx, next); err != nil {
		return nil, err
	}
	return ciphertext, nil
}

// DecryptApplication returns the plaintext of an application message and
// an empty result for anything else. The kind says which it was.
func (e *Engine) DecryptApplication(ctx context.Context, ciphertext []byte) ([]byte, mls.MessageKind, error) {
	s, err := e.current()
	if err != nil {
		return nil, 0, err
	}

	res, err := s.Process(ciphertext)
	if err != nil {
		jww.DEBUG.Printf("[MLS] unprocessable message on %s: %v", e.key, err)
		return nil, 0, err
	}
	metrics.InboundMessages.WithLabelValues(res.Kind.String()).Inc()

	if res.Next != nil {
		if err := e.advance(ctx, res.Next); err != nil {
			return nil, 0, err
		}
	}

	if res.Kind == mls.MessageKindCommit {
		jww.INFO.Printf("[MLS] merged commit on %s, now at epoch %d", e.key, res.Next.Epoch)
	}
	return res.Plaintext, res.Kind, nil
}

// ExportSecret is constant within an epoch for a given label and length.
func (e *Engine) ExportSecret(label string, length int) ([]byte, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	return s.Export(label, length)
}

// Members lists the credential labels of the current members.
func (e *Engine) Members() ([][]byte, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	return s.Members(), nil
}

// ContainsKeyPackageIdentity reports whether the identity behind
// keyPackage already has a leaf in the group.
func (e *Engine) ContainsKeyPackageIdentity(keyPackage []byte) (bool, error) {
	s, err := e.current()
	if err != nil {
		return false, err
	}

	kp, err := mls.ParseKeyPackage(keyPackage)
	if err != nil {
		return false, err
	}
	return s.ContainsIdentity(kp.Credential.Identity()), nil
}
