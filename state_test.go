package mls

import (
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	groupID     = DeriveGroupID(42)
	testMessage = unhex("01020304")
)

type stateTest struct {
	identities []*Identity
	states     []*State
}

func newStateTest(t *testing.T, size int) *stateTest {
	st := &stateTest{}
	for i := 0; i < size; i++ {
		st.identities = append(st.identities, newTestIdentity(t, "user:"+string(rune('a'+i))+":1"))
	}

	creator, err := NewEmptyState(st.identities[0], groupID)
	require.Nil(t, err)
	st.states = []*State{creator}
	return st
}

// addFrom has member `from` add the next identity and delivers the commit
// to every other existing member.
func (st *stateTest) addFrom(t *testing.T, from int) {
	joinerIdx := len(st.states)
	kp, err := IssueKeyPackage(st.identities[joinerIdx])
	require.Nil(t, err)

	commit, welcome, next, err := st.states[from].Add(kp)
	require.Nil(t, err)

	for i := range st.states {
		if i == from {
			continue
		}

		res, err := st.states[i].Process(commit)
		require.Nil(t, err)
		require.Equal(t, MessageKindCommit, res.Kind)
		st.states[i] = res.Next
	}
	st.states[from] = next

	joined, err := NewJoinedState(st.identities[joinerIdx], welcome)
	require.Nil(t, err)
	st.states = append(st.states, joined)
}

func (st *stateTest) requireConsistent(t *testing.T) {
	for i, s := range st.states {
		require.True(t, st.states[0].Equals(*s), "state %d diverged", i)
		require.Equal(t, leafIndex(i), s.Index)
	}
}

func (st *stateTest) requireMessaging(t *testing.T) {
	for i := range st.states {
		ct, next, err := st.states[i].Encrypt(testMessage)
		require.Nil(t, err)
		st.states[i] = next

		for j := range st.states {
			if j == i {
				continue
			}

			res, err := st.states[j].Process(ct)
			require.Nil(t, err)
			require.Equal(t, MessageKindApplication, res.Kind)
			require.Equal(t, testMessage, res.Plaintext)
			st.states[j] = res.Next
		}
	}
}

func TestStateTwoPerson(t *testing.T) {
	st := newStateTest(t, 2)
	st.addFrom(t, 0)

	require.Equal(t, Epoch(1), st.states[0].Epoch)
	st.requireConsistent(t)
	st.requireMessaging(t)
}

func TestStateMultiAdd(t *testing.T) {
	st := newStateTest(t, 5)
	st.addFrom(t, 0)
	st.addFrom(t, 0)
	st.addFrom(t, 1)
	st.addFrom(t, 2)

	require.Equal(t, Epoch(4), st.states[0].Epoch)
	require.Len(t, st.states[0].Members(), 5)
	st.requireConsistent(t)
	st.requireMessaging(t)

	for _, id := range st.identities {
		require.True(t, st.states[3].ContainsIdentity(id.Label()))
	}
}

func TestStateOwnCommitIsStale(t *testing.T) {
	st := newStateTest(t, 2)
	kp, err := IssueKeyPackage(st.identities[1])
	require.Nil(t, err)

	commit, _, next, err := st.states[0].Add(kp)
	require.Nil(t, err)

	res, err := next.Process(commit)
	require.Nil(t, err)
	require.Equal(t, MessageKindStaleCommit, res.Kind)
	require.Nil(t, res.Next)
	require.Nil(t, res.Plaintext)
}

func TestStateFutureEpoch(t *testing.T) {
	st := newStateTest(t, 3)
	st.addFrom(t, 0)
	behind := st.states[1]

	kp, err := IssueKeyPackage(st.identities[2])
	require.Nil(t, err)

	_, _, ahead, err := st.states[0].Add(kp)
	require.Nil(t, err)

	ct, _, err := ahead.Encrypt(testMessage)
	require.Nil(t, err)

	_, err = behind.Process(ct)
	require.True(t, errors.Is(err, ErrUnprocessableMessage))

	_, err = behind.Process([]byte{0x01, 0x02})
	require.True(t, errors.Is(err, ErrUnprocessableMessage))
}

func TestStateKeyPackageSingleUse(t *testing.T) {
	st := newStateTest(t, 2)
	kp, err := IssueKeyPackage(st.identities[1])
	require.Nil(t, err)

	_, _, next, err := st.states[0].Add(kp)
	require.Nil(t, err)

	_, _, _, err = next.Add(kp)
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))

	_, _, _, err = st.states[0].Add(append(dup(kp), 0x00))
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))
}

func TestStateWelcomeErrors(t *testing.T) {
	st := newStateTest(t, 3)
	kp, err := IssueKeyPackage(st.identities[1])
	require.Nil(t, err)

	commit, welcome, _, err := st.states[0].Add(kp)
	require.Nil(t, err)

	_, err = NewJoinedState(st.identities[2], welcome)
	require.True(t, errors.Is(err, ErrWelcomeNotApplicable))

	_, err = NewJoinedState(st.identities[1], append(dup(welcome), 0x00))
	require.True(t, errors.Is(err, ErrTrailingData))

	_, err = NewJoinedState(st.identities[1], welcome[:len(welcome)-4])
	require.True(t, errors.Is(err, ErrMalformedWelcome))

	_, err = NewJoinedState(st.identities[1], commit)
	require.True(t, errors.Is(err, ErrMalformedWelcome))

	tampered := dup(welcome)
	tampered[len(tampered)-1] ^= 0xff
	_, err = NewJoinedState(st.identities[1], tampered)
	require.True(t, errors.Is(err, ErrMalformedWelcome))

	// A welcome seen on the channel is not content
	res, err := st.states[0].Process(welcome)
	require.Nil(t, err)
	require.Equal(t, MessageKindControl, res.Kind)
}

// reshapeWelcome re-signs and re-seals the group info of welcome after
// shape has edited its tree.
func reshapeWelcome(t *testing.T, signer *State, joiner *Identity, welcome []byte, shape func(*RatchetTree)) []byte {
	m, err := DecodeMessage(welcome)
	require.Nil(t, err)
	w := m.Welcome

	_, gs, found, err := w.decryptSecrets(joiner)
	require.Nil(t, err)
	require.True(t, found)

	gi, err := w.decryptGroupInfo(gs.JoinerSecret)
	require.Nil(t, err)
	shape(&gi.Tree)
	require.Nil(t, gi.sign(signer.identity))

	data, err := syntax.Marshal(gi)
	require.Nil(t, err)

	kn := welcomeKeyAndNonce(w.CipherSuite, gs.JoinerSecret)
	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	require.Nil(t, err)
	w.EncryptedGroupInfo = aead.Seal(nil, kn.Nonce, data, []byte{})

	out, err := EncodeMessage(m)
	require.Nil(t, err)
	return out
}

func TestStateWelcomeReshapedTree(t *testing.T) {
	st := newStateTest(t, 4)
	st.addFrom(t, 0)

	kp, err := IssueKeyPackage(st.identities[2])
	require.Nil(t, err)
	_, welcome, _, err := st.states[0].Add(kp)
	require.Nil(t, err)

	same := reshapeWelcome(t, st.states[0], st.identities[2], welcome, func(*RatchetTree) {})
	joined, err := NewJoinedState(st.identities[2], same)
	require.Nil(t, err)
	require.Equal(t, leafIndex(2), joined.Index)

	next, err := IssueKeyPackage(st.identities[3])
	require.Nil(t, err)
	_, _, _, err = joined.Add(next)
	require.Nil(t, err)
}

func TestStateWelcomeRejectsBadTree(t *testing.T) {
	// Alice at leaf 0 adds Carol at leaf 2: node 1 spans leaves 0 and 1,
	// node 3 is the root and node 4 is Carol.
	cases := []struct {
		name  string
		shape func(*RatchetTree)
	}{
		{"LeafWithUnmergedLeaves", func(tr *RatchetTree) {
			tr.Nodes[0].Node.UnmergedLeaves = []leafIndex{1}
		}},
		{"UnmergedLeafPastTree", func(tr *RatchetTree) {
			tr.Nodes[1].Node.UnmergedLeaves = []leafIndex{100}
		}},
		{"UnmergedLeafIndexOverflow", func(tr *RatchetTree) {
			tr.Nodes[3].Node.UnmergedLeaves = []leafIndex{0xffffffff}
		}},
		{"UnmergedLeafOutsideSubtree", func(tr *RatchetTree) {
			tr.Nodes[1].Node.UnmergedLeaves = []leafIndex{2}
		}},
		{"UnmergedLeafBlank", func(tr *RatchetTree) {
			tr.Nodes[2] = OptionalRatchetNode{}
			tr.Nodes[1].Node.UnmergedLeaves = []leafIndex{1}
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := newStateTest(t, 3)
			st.addFrom(t, 0)

			kp, err := IssueKeyPackage(st.identities[2])
			require.Nil(t, err)
			_, welcome, _, err := st.states[0].Add(kp)
			require.Nil(t, err)

			bad := reshapeWelcome(t, st.states[0], st.identities[2], welcome, c.shape)
			require.NotPanics(t, func() {
				_, err = NewJoinedState(st.identities[2], bad)
			})
			require.True(t, errors.Is(err, ErrMalformedWelcome), "%v", err)
		})
	}
}

func TestStateWelcomeSecretsBound(t *testing.T) {
	st := newStateTest(t, 2)
	kp, err := IssueKeyPackage(st.identities[1])
	require.Nil(t, err)
	_, welcome, _, err := st.states[0].Add(kp)
	require.Nil(t, err)

	m, err := DecodeMessage(welcome)
	require.Nil(t, err)
	addressed := m.Welcome.Secrets[0]

	// Entries that share the addressed nonce but not its ref, and entries
	// with a short nonce, are passed over.
	decoy := addressed
	decoy.KeyPackageRef = []byte{0x01}
	short := addressed
	short.KeyPackageNonce = []byte{0x02}

	var secrets []EncryptedGroupSecrets
	for i := 0; i < maxWelcomeSecrets-1; i++ {
		if i%2 == 0 {
			secrets = append(secrets, decoy)
		} else {
			secrets = append(secrets, short)
		}
	}
	m.Welcome.Secrets = append(secrets, addressed)
	full, err := EncodeMessage(m)
	require.Nil(t, err)

	_, err = NewJoinedState(st.identities[1], full)
	require.Nil(t, err)

	m.Welcome.Secrets = append([]EncryptedGroupSecrets{decoy}, m.Welcome.Secrets...)
	over, err := EncodeMessage(m)
	require.Nil(t, err)

	_, err = NewJoinedState(st.identities[1], over)
	require.True(t, errors.Is(err, ErrMalformedWelcome))
}

func TestStateEmptyPlaintext(t *testing.T) {
	st := newStateTest(t, 1)

	_, _, err := st.states[0].Encrypt(nil)
	require.True(t, errors.Is(err, ErrEmptyPlaintext))
}

func TestStateOutOfOrderAndReplay(t *testing.T) {
	st := newStateTest(t, 2)
	st.addFrom(t, 0)
	alice, bob := st.states[0], st.states[1]

	first, alice, err := alice.Encrypt([]byte("first"))
	require.Nil(t, err)
	second, _, err := alice.Encrypt([]byte("second"))
	require.Nil(t, err)

	res, err := bob.Process(second)
	require.Nil(t, err)
	require.Equal(t, []byte("second"), res.Plaintext)
	bob = res.Next

	res, err = bob.Process(first)
	require.Nil(t, err)
	require.Equal(t, []byte("first"), res.Plaintext)
	bob = res.Next

	_, err = bob.Process(first)
	require.True(t, errors.Is(err, ErrUnprocessableMessage))
}

func TestStateMarshal(t *testing.T) {
	st := newStateTest(t, 3)
	st.addFrom(t, 0)
	st.addFrom(t, 1)

	topology, secrets, err := MarshalState(st.states[1])
	require.Nil(t, err)

	restored, err := UnmarshalState(st.identities[1], topology, secrets)
	require.Nil(t, err)
	require.True(t, st.states[1].Equals(*restored))
	st.states[1] = restored

	st.requireMessaging(t)

	_, err = UnmarshalState(st.identities[0], topology, secrets)
	require.Error(t, err)

	_, err = UnmarshalState(st.identities[1], topology[:len(topology)-1], secrets)
	require.Error(t, err)
}

func TestStateExport(t *testing.T) {
	st := newStateTest(t, 2)
	st.addFrom(t, 0)

	a, err := st.states[0].Export("voice", 32)
	require.Nil(t, err)
	b, err := st.states[1].Export("voice", 32)
	require.Nil(t, err)
	require.Equal(t, a, b)

	c, err := st.states[1].Export("screen", 32)
	require.Nil(t, err)
	require.NotEqual(t, a, c)

	_, err = st.states[0].Export("voice", 0)
	require.Error(t, err)
}

func TestDeriveGroupID(t *testing.T) {
	require.Equal(t, DeriveGroupID(7), DeriveGroupID(7))
	require.NotEqual(t, DeriveGroupID(7), DeriveGroupID(8))
	require.Len(t, DeriveGroupID(7), 32)
}
