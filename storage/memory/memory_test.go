package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/guildline/mls/domain"
	"github.com/stretchr/testify/require"
)

func TestSnapshotsDeleteDevice(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshots()

	k1 := domain.SnapshotKey{User: 1, Device: "a", Guild: 7, Channel: 1}
	k2 := domain.SnapshotKey{User: 1, Device: "a", Guild: 7, Channel: 2}
	other := domain.SnapshotKey{User: 1, Device: "b", Guild: 7, Channel: 1}
	for _, k := range []domain.SnapshotKey{k1, k2, other} {
		require.Nil(t, s.Save(ctx, k, domain.Snapshot{SchemaVersion: 1, Topology: []byte{1}, KeyMaterial: []byte{2}}))
	}

	require.Nil(t, s.DeleteDevice(ctx, 1, "a"))

	snap, err := s.Load(ctx, k1)
	require.Nil(t, err)
	require.Nil(t, snap)

	snap, err = s.Load(ctx, other)
	require.Nil(t, err)
	require.NotNil(t, snap)
	require.Equal(t, []byte{2}, snap.KeyMaterial)
}

func TestMailboxClaimsNewestOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox()

	_, err := m.Publish(ctx, 7, 13, 2, []byte("old"))
	require.Nil(t, err)
	_, err = m.Publish(ctx, 7, 13, 2, []byte("new"))
	require.Nil(t, err)
	require.Equal(t, 2, m.Pending(7, 13, 2))

	claimed, err := m.Claim(ctx, 7, 13, 2)
	require.Nil(t, err)
	require.Equal(t, []byte("new"), claimed.Welcome)

	claimed, err = m.Claim(ctx, 7, 13, 2)
	require.Nil(t, err)
	require.Equal(t, []byte("old"), claimed.Welcome)

	claimed, err = m.Claim(ctx, 7, 13, 2)
	require.Nil(t, err)
	require.Nil(t, claimed)

	claimed, err = m.Claim(ctx, 7, 13, 3)
	require.Nil(t, err)
	require.Nil(t, claimed)
}

func TestMailboxConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox()
	_, err := m.Publish(ctx, 7, 13, 2, []byte("welcome"))
	require.Nil(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.Claim(ctx, 7, 13, 2)
			if err == nil && claimed != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, 0, m.Pending(7, 13, 2))
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory()

	_, err := d.FetchLatestKeyPackage(ctx, 7, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Nil(t, d.PublishKeyPackage(ctx, 7, 2, []byte("kp1")))
	require.Nil(t, d.PublishKeyPackage(ctx, 7, 2, []byte("kp2")))

	kp, err := d.FetchLatestKeyPackage(ctx, 7, 2)
	require.Nil(t, err)
	require.Equal(t, []byte("kp2"), kp)
}

func TestRosterOrder(t *testing.T) {
	r := NewRoster()
	r.Put(7, domain.Member{UserID: 3})
	r.Put(7, domain.Member{UserID: 1, Banned: true})
	r.Put(7, domain.Member{UserID: 2})
	r.Put(8, domain.Member{UserID: 9})

	members, err := r.ListActiveMembers(context.Background(), 7)
	require.Nil(t, err)
	require.Len(t, members, 3)
	require.Equal(t, domain.UserID(1), members[0].UserID)
	require.True(t, members[0].Banned)
	require.Equal(t, domain.UserID(3), members[2].UserID)
}
