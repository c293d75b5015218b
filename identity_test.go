package mls

import (
	"testing"

	"github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestIdentity(t *testing.T, label string) *Identity {
	id, err := NewIdentity([]byte(label))
	require.Nil(t, err)
	return id
}

func TestIdentityRoundTrip(t *testing.T) {
	id := newTestIdentity(t, "user:1:1")

	data, err := id.Serialize()
	require.Nil(t, err)

	restored, err := DeserializeIdentity(data)
	require.Nil(t, err)
	require.Equal(t, id.Label(), restored.Label())
	require.True(t, id.Credential().Equals(restored.Credential()))

	again, err := restored.Serialize()
	require.Nil(t, err)
	require.Equal(t, data, again)
}

func TestIdentityMalformed(t *testing.T) {
	id := newTestIdentity(t, "user:1:1")
	data, err := id.Serialize()
	require.Nil(t, err)

	_, err = DeserializeIdentity(data[:len(data)-3])
	require.True(t, errors.Is(err, ErrMalformedIdentity))

	_, err = DeserializeIdentity(append(dup(data), 0x00))
	require.True(t, errors.Is(err, ErrMalformedIdentity))

	_, err = DeserializeIdentity([]byte{})
	require.True(t, errors.Is(err, ErrMalformedIdentity))

	// A public key that does not belong to the seed
	other := newTestIdentity(t, "user:1:1")
	forged, err := syntax.Marshal(serializedIdentity{
		Version:   identityFormatVersion,
		Label:     id.label,
		Scheme:    Ed25519,
		Seed:      id.signer.Data,
		PublicKey: other.signer.PublicKey,
	})
	require.Nil(t, err)

	_, err = DeserializeIdentity(forged)
	require.True(t, errors.Is(err, ErrMalformedIdentity))

	future := dup(data)
	future[0] = 0x02
	_, err = DeserializeIdentity(future)
	require.True(t, errors.Is(err, ErrMalformedIdentity))
}

func TestKeyPackage(t *testing.T) {
	id := newTestIdentity(t, "user:2:1")

	data, err := IssueKeyPackage(id)
	require.Nil(t, err)

	kp, err := ParseKeyPackage(data)
	require.Nil(t, err)
	require.True(t, kp.Credential.Equals(id.Credential()))
	require.Len(t, kp.Nonce, keyPackageNonceSize)

	// The init key is recoverable from the nonce alone
	initPriv, err := id.initKey(kp.Nonce)
	require.Nil(t, err)
	require.True(t, initPriv.PublicKey.Equals(kp.InitKey))

	reissued, err := newKeyPackage(id, kp.Nonce)
	require.Nil(t, err)

	ref, err := kp.Ref()
	require.Nil(t, err)
	reref, err := reissued.Ref()
	require.Nil(t, err)
	require.Equal(t, ref, reref)

	other, err := IssueKeyPackage(id)
	require.Nil(t, err)
	require.NotEqual(t, data, other)
}

func TestKeyPackageInvalid(t *testing.T) {
	id := newTestIdentity(t, "user:2:1")

	data, err := IssueKeyPackage(id)
	require.Nil(t, err)

	_, err = ParseKeyPackage(append(dup(data), 0x00))
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))

	_, err = ParseKeyPackage(data[:len(data)/2])
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))

	_, err = ParseKeyPackage([]byte{})
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))

	tampered := dup(data)
	tampered[len(tampered)-1] ^= 0xff
	_, err = ParseKeyPackage(tampered)
	require.True(t, errors.Is(err, ErrInvalidKeyPackage))
}
