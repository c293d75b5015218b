package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// Receivers will derive at most this many keys ahead of the newest
// generation seen from a sender.
const maxGenerationSkip = 1024

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

type applicationContext struct {
	Node       nodeIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(applicationContext{node, generation})
	if err != nil {
		panic(fmt.Errorf("mls.keys: unable to marshal application context: %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// Hash ratchet
///

type cachedKey struct {
	Generation uint32
	Keys       keyAndNonce
}

type hashRatchet struct {
	Suite          CipherSuite
	Node           nodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          []cachedKey `tls:"head=4"`
}

func newHashRatchet(suite CipherSuite, node nodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          []cachedKey{},
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	c := hr.Suite.Constants()
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Node, hr.NextGeneration, c.KeySize)
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Node, hr.NextGeneration, c.NonceSize)
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Node, hr.NextGeneration, c.SecretSize)

	generation := hr.NextGeneration
	hr.NextGeneration++
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	return generation, keyAndNonce{key, nonce}
}

// Get returns the keys for a generation at or beyond the ratchet head,
// caching any skipped generations for out-of-order delivery.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	for _, ck := range hr.Cache {
		if ck.Generation == generation {
			return ck.Keys.clone(), nil
		}
	}

	if hr.NextGeneration > generation {
		return keyAndNonce{}, fmt.Errorf("mls.keys: request for expired key %d", generation)
	}

	if generation-hr.NextGeneration > maxGenerationSkip {
		return keyAndNonce{}, fmt.Errorf("mls.keys: generation %d too far ahead of %d", generation, hr.NextGeneration)
	}

	for hr.NextGeneration < generation {
		g, kn := hr.Next()
		hr.Cache = append(hr.Cache, cachedKey{g, kn})
	}

	_, kn := hr.Next()
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	for i, ck := range hr.Cache {
		if ck.Generation != generation {
			continue
		}

		zeroize(ck.Keys.Key)
		zeroize(ck.Keys.Nonce)
		hr.Cache = append(hr.Cache[:i], hr.Cache[i+1:]...)
		return
	}
}

func (hr *hashRatchet) clone() *hashRatchet {
	cloned := &hashRatchet{
		Suite:          hr.Suite,
		Node:           hr.Node,
		NextSecret:     dup(hr.NextSecret),
		NextGeneration: hr.NextGeneration,
		Cache:          make([]cachedKey, len(hr.Cache)),
	}
	for i, ck := range hr.Cache {
		cloned.Cache[i] = cachedKey{ck.Generation, ck.Keys.clone()}
	}
	return cloned
}

///
/// Secret tree
///

type nodeSecret struct {
	Node   nodeIndex
	Secret []byte `tls:"head=1"`
}

// secretTree hands each sender a base secret derived down the member tree
// from the epoch's encryption secret. Interior secrets are consumed as
// soon as both children exist.
type secretTree struct {
	Suite   CipherSuite
	Size    leafCount
	Secrets []nodeSecret `tls:"head=4"`
}

func newSecretTree(suite CipherSuite, size leafCount, encryptionSecret []byte) secretTree {
	return secretTree{
		Suite:   suite,
		Size:    size,
		Secrets: []nodeSecret{{root(size), dup(encryptionSecret)}},
	}
}

func (st *secretTree) find(n nodeIndex) int {
	for i, ns := range st.Secrets {
		if ns.Node == n {
			return i
		}
	}
	return -1
}

func (st *secretTree) take(i int) []byte {
	secret := st.Secrets[i].Secret
	st.Secrets = append(st.Secrets[:i], st.Secrets[i+1:]...)
	return secret
}

func (st *secretTree) Get(sender leafIndex) ([]byte, error) {
	senderNode := toNodeIndex(sender)
	path := append([]nodeIndex{senderNode}, dirpath(senderNode, st.Size)...)

	curr := -1
	for i, n := range path {
		if st.find(n) >= 0 {
			curr = i
			break
		}
	}

	if curr < 0 {
		return nil, fmt.Errorf("mls.keys: no base secret available for sender %d", sender)
	}

	secretSize := st.Suite.Constants().SecretSize
	for ; curr > 0; curr-- {
		n := path[curr]
		secret := st.take(st.find(n))
		l, r := left(n), right(n, st.Size)
		st.Secrets = append(st.Secrets,
			nodeSecret{l, st.Suite.deriveAppSecret(secret, "tree", l, 0, secretSize)},
			nodeSecret{r, st.Suite.deriveAppSecret(secret, "tree", r, 0, secretSize)})
		zeroize(secret)
	}

	return st.take(st.find(senderNode)), nil
}

func (st secretTree) clone() secretTree {
	cloned := secretTree{
		Suite:   st.Suite,
		Size:    st.Size,
		Secrets: make([]nodeSecret, len(st.Secrets)),
	}
	for i, ns := range st.Secrets {
		cloned.Secrets[i] = nodeSecret{ns.Node, dup(ns.Secret)}
	}
	return cloned
}

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite CipherSuite, joinerSecret []byte) keyAndNonce {
	c := suite.Constants()
	welcomeSecret := suite.deriveSecret(joinerSecret, "welcome", []byte{})
	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(welcomeSecret, "key", []byte{}, c.KeySize),
		Nonce: suite.hkdfExpandLabel(welcomeSecret, "nonce", []byte{}, c.NonceSize),
	}
}

///
/// Key schedule epoch
///

type senderRatchet struct {
	Sender  leafIndex
	Ratchet hashRatchet
}

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=4"`

	EpochSecret      []byte `tls:"head=1"`
	SenderDataSecret []byte `tls:"head=1"`
	SenderDataKey    []byte `tls:"head=1"`
	EncryptionSecret []byte `tls:"head=1"`
	ExporterSecret   []byte `tls:"head=1"`
	ConfirmationKey  []byte `tls:"head=1"`
	InitSecret       []byte `tls:"head=1"`

	ApplicationBaseKeys secretTree
	ApplicationRatchets []senderRatchet `tls:"head=4"`
}

func newKeyScheduleEpoch(suite CipherSuite, size leafCount, joinerSecret, context []byte) keyScheduleEpoch {
	epochSecret := suite.deriveSecret(joinerSecret, "epoch", context)
	senderDataSecret := suite.deriveSecret(epochSecret, "sender data", context)
	encryptionSecret := suite.deriveSecret(epochSecret, "encryption", context)
	exporterSecret := suite.deriveSecret(epochSecret, "exporter", context)
	confirmationKey := suite.deriveSecret(epochSecret, "confirm", context)
	initSecret := suite.deriveSecret(epochSecret, "init", context)

	senderDataKey := suite.hkdfExpandLabel(senderDataSecret, "sd key", []byte{}, suite.Constants().KeySize)

	return keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),

		EpochSecret:      epochSecret,
		SenderDataSecret: senderDataSecret,
		SenderDataKey:    senderDataKey,
		EncryptionSecret: encryptionSecret,
		ExporterSecret:   exporterSecret,
		ConfirmationKey:  confirmationKey,
		InitSecret:       initSecret,

		ApplicationBaseKeys: newSecretTree(suite, size, encryptionSecret),
		ApplicationRatchets: []senderRatchet{},
	}
}

// joinerSecret binds the commit secret to this epoch's init secret and the
// group context of the epoch being entered.
func (kse *keyScheduleEpoch) joinerSecret(commitSecret, nextContext []byte) []byte {
	prk := kse.Suite.hkdfExtract(kse.InitSecret, commitSecret)
	return kse.Suite.deriveSecret(prk, "joiner", nextContext)
}

func (kse *keyScheduleEpoch) ratchet(sender leafIndex) (*hashRatchet, error) {
	for i := range kse.ApplicationRatchets {
		if kse.ApplicationRatchets[i].Sender == sender {
			return &kse.ApplicationRatchets[i].Ratchet, nil
		}
	}

	base, err := kse.ApplicationBaseKeys.Get(sender)
	if err != nil {
		return nil, err
	}

	hr := newHashRatchet(kse.Suite, toNodeIndex(sender), base)
	kse.ApplicationRatchets = append(kse.ApplicationRatchets, senderRatchet{sender, *hr})
	return &kse.ApplicationRatchets[len(kse.ApplicationRatchets)-1].Ratchet, nil
}

func (kse *keyScheduleEpoch) Next(sender leafIndex) (uint32, keyAndNonce, error) {
	hr, err := kse.ratchet(sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	generation, kn := hr.Next()
	return generation, kn, nil
}

func (kse *keyScheduleEpoch) Get(sender leafIndex, generation uint32) (keyAndNonce, error) {
	hr, err := kse.ratchet(sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return hr.Get(generation)
}

func (kse *keyScheduleEpoch) Erase(sender leafIndex, generation uint32) {
	hr, err := kse.ratchet(sender)
	if err != nil {
		return
	}
	hr.Erase(generation)
}

func (kse *keyScheduleEpoch) confirmationTag(confirmedTranscriptHash []byte) []byte {
	mac := kse.Suite.newHMAC(kse.ConfirmationKey)
	mac.Write(confirmedTranscriptHash)
	return mac.Sum(nil)
}

func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) []byte {
	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label, kse.GroupContext)
	hctx := kse.Suite.Digest(context)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exporter", hctx, keyLength)
}

func (kse keyScheduleEpoch) clone() keyScheduleEpoch {
	cloned := kse
	cloned.GroupContext = dup(kse.GroupContext)
	cloned.ApplicationBaseKeys = kse.ApplicationBaseKeys.clone()
	cloned.ApplicationRatchets = make([]senderRatchet, len(kse.ApplicationRatchets))
	for i, sr := range kse.ApplicationRatchets {
		cloned.ApplicationRatchets[i] = senderRatchet{sr.Sender, *sr.Ratchet.clone()}
	}
	return cloned
}
