package mls

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
)

///
/// GroupContext
///

//	struct {
//	    opaque group_id<0..255>;
//	    uint64 epoch;
//	    opaque tree_hash<0..255>;
//	    opaque confirmed_transcript_hash<0..255>;
//	} GroupContext;
type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

// DeriveGroupID maps a channel to the group identifier every member of that
// channel computes independently.
func DeriveGroupID(channelID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], channelID)
	suite := X25519_AES128GCM_SHA256_Ed25519
	return suite.Digest(append([]byte("guildline mls group"), buf[:]...))
}

///
/// State
///

type keyPackageRef struct {
	Data []byte `tls:"head=1"`
}

type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte
	InterimTranscriptHash   []byte
	ConsumedKeyPackages     []keyPackageRef

	// Per-participant state
	Index    leafIndex
	Keys     keyScheduleEpoch
	identity *Identity
}

// NewEmptyState starts a one-member group at epoch zero.
func NewEmptyState(id *Identity, groupID []byte) (*State, error) {
	suite := id.suite
	leafPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, fmt.Errorf("mls.state: leaf key generation failed: %v", err)
	}

	tree := newRatchetTree(suite)
	if err := tree.AddLeaf(0, leafPriv.PublicKey, id.Credential()); err != nil {
		return nil, err
	}
	tree.privateKeys[toNodeIndex(0)] = leafPriv

	initSecret, err := randomBytes(suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		ConsumedKeyPackages:     []keyPackageRef{},
		Index:                   0,
		identity:                id,
	}

	ctx := s.groupContextBytes()
	first := keyScheduleEpoch{Suite: suite, InitSecret: initSecret}
	s.Keys = newKeyScheduleEpoch(suite, 1, first.joinerSecret(suite.zero(), ctx), ctx)
	return s, nil
}

// NewJoinedState builds the state of a new member from a welcome message.
func NewJoinedState(id *Identity, welcomeData []byte) (*State, error) {
	m := new(MLSMessage)
	read, err := syntax.Unmarshal(welcomeData, m)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedWelcome, err.Error())
	}

	if read != len(welcomeData) {
		return nil, errors.Wrapf(ErrTrailingData, "%d bytes", len(welcomeData)-read)
	}

	w := m.Welcome
	if w == nil {
		return nil, errors.Wrap(ErrMalformedWelcome, "message is not a welcome")
	}

	if w.Version != ProtocolVersionMLS10 || w.CipherSuite != id.suite {
		return nil, errors.Wrap(ErrMalformedWelcome, "unsupported version or cipher suite")
	}

	kp, gs, found, err := w.decryptSecrets(id)
	if !found {
		return nil, ErrWelcomeNotApplicable
	}
	if err != nil {
		return nil, errors.Wrap(ErrMalformedWelcome, err.Error())
	}

	gi, err := w.decryptGroupInfo(gs.JoinerSecret)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedWelcome, err.Error())
	}

	if err := gi.verify(w.CipherSuite); err != nil {
		return nil, errors.Wrap(ErrMalformedWelcome, err.Error())
	}

	index, ok := gi.Tree.Find(kp.InitKey, kp.Credential)
	if !ok {
		return nil, errors.Wrap(ErrMalformedWelcome, "joiner not present in tree")
	}

	ref, err := kp.Ref()
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             w.CipherSuite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		ConsumedKeyPackages:     []keyPackageRef{{ref}},
		Index:                   index,
		identity:                id,
	}

	initPriv, err := id.initKey(kp.Nonce)
	if err != nil {
		return nil, err
	}
	s.Tree.privateKeys[toNodeIndex(index)] = initPriv

	if gs.PathSecret != nil {
		if _, err := s.Tree.Implant(ancestor(gi.SignerIndex, index), gs.PathSecret.Data); err != nil {
			return nil, errors.Wrap(ErrMalformedWelcome, err.Error())
		}
	}

	ctx := s.groupContextBytes()
	s.Keys = newKeyScheduleEpoch(s.CipherSuite, s.Tree.size(), gs.JoinerSecret, ctx)
	if !hmac.Equal(s.Keys.confirmationTag(s.ConfirmedTranscriptHash), gi.ConfirmationTag) {
		return nil, errors.Wrap(ErrMalformedWelcome, "confirmation tag mismatch")
	}

	return s, nil
}

func (s State) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
	}
}

func (s State) groupContextBytes() []byte {
	data, err := syntax.Marshal(s.groupContext())
	if err != nil {
		panic(fmt.Errorf("mls.state: group context marshal failed: %v", err))
	}
	return data
}

func (s State) consumed(ref []byte) bool {
	for _, r := range s.ConsumedKeyPackages {
		if bytes.Equal(r.Data, ref) {
			return true
		}
	}
	return false
}

// admit checks kp against the current membership and places it in the
// leftmost free leaf.
func (s *State) admit(kp KeyPackage) (leafIndex, []byte, error) {
	if err := kp.Verify(); err != nil {
		return 0, nil, err
	}

	ref, err := kp.Ref()
	if err != nil {
		return 0, nil, errors.Wrap(ErrInvalidKeyPackage, err.Error())
	}

	if _, found := s.Tree.Find(kp.InitKey, kp.Credential); found || s.consumed(ref) {
		return 0, nil, errors.Wrap(ErrInvalidKeyPackage, "key package already used in this group")
	}

	index := s.Tree.LeftmostFree()
	if err := s.Tree.AddLeaf(index, kp.InitKey, kp.Credential); err != nil {
		return 0, nil, err
	}

	s.ConsumedKeyPackages = append(s.ConsumedKeyPackages, keyPackageRef{ref})
	return index, ref, nil
}

// Add commits the addition of one member. It returns the encoded commit
// for existing members, the encoded welcome for the new member, and the
// state of the next epoch; s itself is left untouched.
func (s *State) Add(keyPackage []byte) ([]byte, []byte, *State, error) {
	kp, err := ParseKeyPackage(keyPackage)
	if err != nil {
		return nil, nil, nil, err
	}

	prevCtx := s.groupContextBytes()
	next := s.clone()
	index, _, err := next.admit(*kp)
	if err != nil {
		return nil, nil, nil, err
	}

	leafSecret, err := randomBytes(s.CipherSuite.Constants().SecretSize)
	if err != nil {
		return nil, nil, nil, err
	}

	path, pathSecrets, commitSecret, err := next.Tree.Encap(s.Index, prevCtx, leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}

	pt := &MLSPlaintext{
		GroupID:     s.GroupID,
		Epoch:       s.Epoch,
		Sender:      s.Index,
		ContentType: ContentTypeCommit,
		Commit: &Commit{
			Adds: []KeyPackage{*kp},
			Path: *path,
		},
	}
	if err := pt.sign(prevCtx, s.identity); err != nil {
		return nil, nil, nil, err
	}

	joinerSecret, err := next.advance(s, pt, commitSecret)
	if err != nil {
		return nil, nil, nil, err
	}

	gi := &GroupInfo{
		GroupID:                 next.GroupID,
		Epoch:                   next.Epoch,
		Tree:                    next.Tree,
		ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
		InterimTranscriptHash:   next.InterimTranscriptHash,
		ConfirmationTag:         pt.ConfirmationTag,
		SignerIndex:             s.Index,
	}
	if err := gi.sign(s.identity); err != nil {
		return nil, nil, nil, err
	}

	welcome, err := newWelcome(s.CipherSuite, joinerSecret, gi)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := welcome.EncryptTo(*kp, joinerSecret, pathSecrets[ancestor(s.Index, index)]); err != nil {
		return nil, nil, nil, err
	}

	commitData, err := EncodeMessage(&MLSMessage{Version: ProtocolVersionMLS10, Plaintext: pt})
	if err != nil {
		return nil, nil, nil, err
	}

	welcomeData, err := EncodeMessage(&MLSMessage{Version: ProtocolVersionMLS10, Welcome: welcome})
	if err != nil {
		return nil, nil, nil, err
	}

	return commitData, welcomeData, next, nil
}

// advance moves next (a clone of prev with the commit's tree changes
// applied) into the following epoch. For a commit this member created, it
// also fills in the confirmation tag; for a received one it verifies it.
func (next *State) advance(prev *State, pt *MLSPlaintext, commitSecret []byte) ([]byte, error) {
	content, err := pt.commitContent()
	if err != nil {
		return nil, fmt.Errorf("mls.state: commit marshal failed: %v", err)
	}

	next.Epoch = prev.Epoch + 1
	next.ConfirmedTranscriptHash = prev.CipherSuite.Digest(append(dup(prev.InterimTranscriptHash), content...))

	ctx := next.groupContextBytes()
	joinerSecret := prev.Keys.joinerSecret(commitSecret, ctx)
	next.Keys = newKeyScheduleEpoch(next.CipherSuite, next.Tree.size(), joinerSecret, ctx)

	tag := next.Keys.confirmationTag(next.ConfirmedTranscriptHash)
	if pt.Sender == prev.Index && pt.ConfirmationTag == nil {
		pt.ConfirmationTag = tag
	} else if !hmac.Equal(tag, pt.ConfirmationTag) {
		return nil, fmt.Errorf("mls.state: confirmation tag mismatch")
	}

	next.InterimTranscriptHash = next.CipherSuite.Digest(append(dup(next.ConfirmedTranscriptHash), pt.ConfirmationTag...))
	return joinerSecret, nil
}

// Handle applies a commit sent by another member at the current epoch.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if pt.ContentType != ContentTypeCommit || pt.Commit == nil {
		return nil, fmt.Errorf("mls.state: handle called on non-commit")
	}

	if !bytes.Equal(pt.GroupID, s.GroupID) || pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: commit not for this group and epoch")
	}

	if pt.Sender == s.Index {
		return nil, fmt.Errorf("mls.state: commit from self cannot be handled")
	}

	cred, err := s.Tree.credential(pt.Sender)
	if err != nil {
		return nil, err
	}

	prevCtx := s.groupContextBytes()
	if !pt.verify(prevCtx, cred.PublicKey(), s.CipherSuite.Scheme()) {
		return nil, fmt.Errorf("mls.state: invalid commit signature")
	}

	next := s.clone()
	for _, kp := range pt.Commit.Adds {
		if _, _, err := next.admit(kp); err != nil {
			return nil, err
		}
	}

	commitSecret, err := next.Tree.Decap(pt.Sender, s.Index, prevCtx, &pt.Commit.Path)
	if err != nil {
		return nil, err
	}

	if _, err := next.advance(s, pt, commitSecret); err != nil {
		return nil, err
	}
	return next, nil
}

///
/// Protect / Unprotect
///

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

// Protect encrypts an application message. Each call consumes a fresh
// generation of this member's hash ratchet, so s changes.
func (s *State) Protect(data []byte) (*MLSCiphertext, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPlaintext
	}

	generation, keys, err := s.Keys.Next(s.Index)
	if err != nil {
		return nil, err
	}
	defer zeroize(keys.Key)

	var reuseGuard [4]byte
	guard, err := randomBytes(len(reuseGuard))
	if err != nil {
		return nil, err
	}
	copy(reuseGuard[:], guard)

	sd, err := syntax.Marshal(senderData{s.Index, generation, reuseGuard})
	if err != nil {
		return nil, fmt.Errorf("mls.state: sender data marshal failure %v", err)
	}

	senderDataNonce, err := randomBytes(s.CipherSuite.Constants().NonceSize)
	if err != nil {
		return nil, err
	}

	sdAead, err := s.CipherSuite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdCt := sdAead.Seal(nil, senderDataNonce, sd, senderDataAAD(s.GroupID, s.Epoch, ContentTypeApplication, senderDataNonce))

	tbs, err := syntax.Marshal(applicationTBS{s.groupContextBytes(), s.Index, data})
	if err != nil {
		return nil, fmt.Errorf("mls.state: content marshal failure %v", err)
	}

	sig, err := s.identity.sign(tbs)
	if err != nil {
		return nil, err
	}

	content, err := syntax.Marshal(applicationContent{data, Signature{sig}})
	if err != nil {
		return nil, fmt.Errorf("mls.state: content marshal failure %v", err)
	}

	aead, err := s.CipherSuite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	aad := contentAAD(s.GroupID, s.Epoch, ContentTypeApplication, senderDataNonce, sdCt)

	return &MLSCiphertext{
		GroupID:             s.GroupID,
		Epoch:               s.Epoch,
		ContentType:         ContentTypeApplication,
		SenderDataNonce:     senderDataNonce,
		EncryptedSenderData: sdCt,
		Ciphertext:          aead.Seal(nil, applyGuard(keys.Nonce, reuseGuard), content, aad),
	}, nil
}

// Unprotect decrypts an application message from another member and
// erases the key it used.
func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("mls.state: ciphertext not from this group")
	}

	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: ciphertext not from this epoch")
	}

	if ct.ContentType != ContentTypeApplication {
		return nil, fmt.Errorf("mls.state: unsupported encrypted content type %d", ct.ContentType)
	}

	sdAead, err := s.CipherSuite.NewAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}

	if len(ct.SenderDataNonce) != sdAead.NonceSize() {
		return nil, fmt.Errorf("mls.state: malformed sender data nonce")
	}

	sdAAD := senderDataAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce)
	sdData, err := sdAead.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, sdAAD)
	if err != nil {
		return nil, fmt.Errorf("mls.state: sender data decryption failure %v", err)
	}

	var sd senderData
	if _, err := syntax.Unmarshal(sdData, &sd); err != nil {
		return nil, fmt.Errorf("mls.state: sender data unmarshal failure %v", err)
	}

	if !s.Tree.occupied(sd.Sender) {
		return nil, fmt.Errorf("mls.state: encryption from unoccupied leaf %d", sd.Sender)
	}

	if sd.Sender == s.Index {
		return nil, fmt.Errorf("mls.state: own application messages cannot be decrypted")
	}

	keys, err := s.Keys.Get(sd.Sender, sd.Generation)
	if err != nil {
		return nil, err
	}
	s.Keys.Erase(sd.Sender, sd.Generation)

	aead, err := s.CipherSuite.NewAEAD(keys.Key)
	if err != nil {
		return nil, err
	}

	aad := contentAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce, ct.EncryptedSenderData)
	data, err := aead.Open(nil, applyGuard(keys.Nonce, sd.ReuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mls.state: content decryption failure %v", err)
	}

	var content applicationContent
	read, err := syntax.Unmarshal(data, &content)
	if err != nil || read != len(data) {
		return nil, fmt.Errorf("mls.state: content unmarshal failure")
	}

	cred, err := s.Tree.credential(sd.Sender)
	if err != nil {
		return nil, err
	}

	tbs, err := syntax.Marshal(applicationTBS{s.groupContextBytes(), sd.Sender, content.Data})
	if err != nil {
		return nil, err
	}

	if !s.CipherSuite.Scheme().Verify(cred.PublicKey(), tbs, content.Signature.Data) {
		return nil, fmt.Errorf("mls.state: invalid message signature")
	}

	return content.Data, nil
}

func senderDataAAD(gid []byte, epoch Epoch, contentType ContentType, nonce []byte) []byte {
	data, err := syntax.Marshal(struct {
		GroupID         []byte `tls:"head=1"`
		Epoch           Epoch
		ContentType     ContentType
		SenderDataNonce []byte `tls:"head=1"`
	}{gid, epoch, contentType, nonce})
	if err != nil {
		return nil
	}
	return data
}

func contentAAD(gid []byte, epoch Epoch, contentType ContentType, nonce, encSenderData []byte) []byte {
	data, err := syntax.Marshal(struct {
		GroupID             []byte `tls:"head=1"`
		Epoch               Epoch
		ContentType         ContentType
		SenderDataNonce     []byte `tls:"head=1"`
		EncryptedSenderData []byte `tls:"head=1"`
	}{gid, epoch, contentType, nonce, encSenderData})
	if err != nil {
		return nil
	}
	return data
}

///
/// Inbound message dispatch
///

type MessageKind uint8

const (
	MessageKindApplication MessageKind = iota + 1
	MessageKindCommit
	MessageKindProposal
	MessageKindStaleCommit
	MessageKindControl
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindApplication:
		return "application"
	case MessageKindCommit:
		return "commit"
	case MessageKindProposal:
		return "proposal"
	case MessageKindStaleCommit:
		return "stale_commit"
	case MessageKindControl:
		return "control"
	}
	return "unknown"
}

// Processed is the outcome of one inbound message. Next is nil when the
// message left the state unchanged.
type Processed struct {
	Kind      MessageKind
	Plaintext []byte
	Next      *State
}

// Process classifies an inbound message by parsing it and applies it to a
// copy of s. Failures are ErrUnprocessableMessage.
func (s *State) Process(data []byte) (*Processed, error) {
	m, err := DecodeMessage(data)
	if err != nil {
		return nil, errors.Wrap(ErrUnprocessableMessage, err.Error())
	}

	switch {
	case m.Welcome != nil:
		return &Processed{Kind: MessageKindControl}, nil

	case m.Plaintext != nil:
		pt := m.Plaintext
		if !bytes.Equal(pt.GroupID, s.GroupID) {
			return nil, errors.Wrap(ErrUnprocessableMessage, "plaintext for another group")
		}

		if pt.Epoch > s.Epoch {
			return nil, errors.Wrapf(ErrUnprocessableMessage, "epoch %d not reached (at %d)", pt.Epoch, s.Epoch)
		}

		if pt.ContentType == ContentTypeProposal {
			return &Processed{Kind: MessageKindProposal}, nil
		}

		if pt.Epoch < s.Epoch {
			return &Processed{Kind: MessageKindStaleCommit}, nil
		}

		next, err := s.Handle(pt)
		if err != nil {
			return nil, errors.Wrap(ErrUnprocessableMessage, err.Error())
		}
		return &Processed{Kind: MessageKindCommit, Next: next}, nil

	case m.Ciphertext != nil:
		next := s.clone()
		plaintext, err := next.Unprotect(m.Ciphertext)
		if err != nil {
			return nil, errors.Wrap(ErrUnprocessableMessage, err.Error())
		}
		return &Processed{Kind: MessageKindApplication, Plaintext: plaintext, Next: next}, nil
	}

	return nil, ErrUnprocessableMessage
}

// Encrypt protects data and frames it as an MLSMessage, returning the
// encoded message and the advanced state.
func (s *State) Encrypt(data []byte) ([]byte, *State, error) {
	next := s.clone()
	ct, err := next.Protect(data)
	if err != nil {
		return nil, nil, err
	}

	enc, err := EncodeMessage(&MLSMessage{Version: ProtocolVersionMLS10, Ciphertext: ct})
	if err != nil {
		return nil, nil, err
	}
	return enc, next, nil
}

func (s *State) Export(label string, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("mls.state: invalid export length %d", length)
	}
	return s.Keys.Export(label, []byte{}, length), nil
}

// Members lists the credential identities of every occupied leaf.
func (s *State) Members() [][]byte {
	members := [][]byte{}
	for l := leafIndex(0); leafCount(l) < s.Tree.size(); l++ {
		if cred, err := s.Tree.credential(l); err == nil {
			members = append(members, dup(cred.Identity()))
		}
	}
	return members
}

func (s *State) ContainsIdentity(identity []byte) bool {
	_, found := s.Tree.FindIdentity(identity)
	return found
}

func (s State) clone() *State {
	cloned := &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		ConsumedKeyPackages:     make([]keyPackageRef, len(s.ConsumedKeyPackages)),
		Index:                   s.Index,
		Keys:                    s.Keys.clone(),
		identity:                s.identity,
	}
	copy(cloned.ConsumedKeyPackages, s.ConsumedKeyPackages)
	return cloned
}

// Compare the shared aspects of two states
func (s State) Equals(o State) bool {
	return s.CipherSuite == o.CipherSuite &&
		bytes.Equal(s.GroupID, o.GroupID) &&
		s.Epoch == o.Epoch &&
		s.Tree.Equals(&o.Tree) &&
		bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash) &&
		bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash) &&
		bytes.Equal(s.Keys.EpochSecret, o.Keys.EpochSecret)
}

///
/// Persistence split
///

// The public part of a state: everything any member could reconstruct
// from the group's message history.
type StateTopology struct {
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte          `tls:"head=1"`
	InterimTranscriptHash   []byte          `tls:"head=1"`
	ConsumedKeyPackages     []keyPackageRef `tls:"head=4"`
}

// The private part of a state, held only by this member.
type StateSecrets struct {
	Index leafIndex
	Tree  TreeSecrets
	Keys  keyScheduleEpoch
}

func (s State) GetTopology() StateTopology {
	return StateTopology{
		CipherSuite:             s.CipherSuite,
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		Tree:                    s.Tree,
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
		InterimTranscriptHash:   s.InterimTranscriptHash,
		ConsumedKeyPackages:     s.ConsumedKeyPackages,
	}
}

func (s State) GetSecrets() StateSecrets {
	return StateSecrets{
		Index: s.Index,
		Tree:  s.Tree.GetSecrets(),
		Keys:  s.Keys,
	}
}

// MarshalState splits a state into its topology and key-material blobs.
func MarshalState(s *State) ([]byte, []byte, error) {
	topology, err := syntax.Marshal(s.GetTopology())
	if err != nil {
		return nil, nil, fmt.Errorf("mls.state: topology marshal failed: %v", err)
	}

	secrets, err := syntax.Marshal(s.GetSecrets())
	if err != nil {
		return nil, nil, fmt.Errorf("mls.state: secrets marshal failed: %v", err)
	}
	return topology, secrets, nil
}

// UnmarshalState is the inverse of MarshalState. The restored leaf must
// belong to id.
func UnmarshalState(id *Identity, topology, secrets []byte) (*State, error) {
	var st StateTopology
	read, err := syntax.Unmarshal(topology, &st)
	if err != nil {
		return nil, fmt.Errorf("mls.state: topology unmarshal failed: %v", err)
	}
	if read != len(topology) {
		return nil, fmt.Errorf("mls.state: topology has trailing data")
	}

	var ss StateSecrets
	read, err = syntax.Unmarshal(secrets, &ss)
	if err != nil {
		return nil, fmt.Errorf("mls.state: secrets unmarshal failed: %v", err)
	}
	if read != len(secrets) {
		return nil, fmt.Errorf("mls.state: secrets have trailing data")
	}

	st.Tree.Suite = st.CipherSuite
	if err := st.Tree.SetSecrets(ss.Tree); err != nil {
		return nil, err
	}

	cred, err := st.Tree.credential(ss.Index)
	if err != nil {
		return nil, err
	}
	if !cred.Equals(id.Credential()) {
		return nil, fmt.Errorf("mls.state: snapshot belongs to a different identity")
	}

	return &State{
		CipherSuite:             st.CipherSuite,
		GroupID:                 st.GroupID,
		Epoch:                   st.Epoch,
		Tree:                    st.Tree,
		ConfirmedTranscriptHash: st.ConfirmedTranscriptHash,
		InterimTranscriptHash:   st.InterimTranscriptHash,
		ConsumedKeyPackages:     st.ConsumedKeyPackages,
		Index:                   ss.Index,
		Keys:                    ss.Keys,
		identity:                id,
	}, nil
}
