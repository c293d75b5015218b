package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
)

const identityFormatVersion uint8 = 1

//	struct {
//	    uint8 version = 1;
//	    opaque label<0..2^16-1>;
//	    SignatureScheme scheme;
//	    opaque seed<0..255>;
//	    SignaturePublicKey public_key;
//	} SerializedIdentity;
type serializedIdentity struct {
	Version   uint8
	Label     []byte `tls:"head=2"`
	Scheme    SignatureScheme
	Seed      []byte `tls:"head=1"`
	PublicKey SignaturePublicKey
}

// Identity is a device's long-term signing key together with the
// credential label the rest of the group sees.
type Identity struct {
	suite  CipherSuite
	label  []byte
	signer SignaturePrivateKey
}

// NewIdentity creates a fresh signing key bound to label.
func NewIdentity(label []byte) (*Identity, error) {
	suite := X25519_AES128GCM_SHA256_Ed25519
	signer, err := suite.Scheme().Generate()
	if err != nil {
		return nil, errors.Wrap(err, "mls: signature key generation failed")
	}

	return &Identity{
		suite:  suite,
		label:  dup(label),
		signer: signer,
	}, nil
}

// DeserializeIdentity parses the output of Serialize. Any structural
// problem, including a public key that does not belong to the seed, is
// reported as ErrMalformedIdentity.
func DeserializeIdentity(data []byte) (*Identity, error) {
	var blob serializedIdentity
	read, err := syntax.Unmarshal(data, &blob)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedIdentity, err.Error())
	}

	if read != len(data) {
		return nil, errors.Wrapf(ErrMalformedIdentity, "%d trailing bytes", len(data)-read)
	}

	if blob.Version != identityFormatVersion {
		return nil, errors.Wrapf(ErrMalformedIdentity, "unsupported version %d", blob.Version)
	}

	suite := X25519_AES128GCM_SHA256_Ed25519
	if blob.Scheme != suite.Scheme() {
		return nil, errors.Wrapf(ErrMalformedIdentity, "unsupported signature scheme %04x", uint16(blob.Scheme))
	}

	signer, err := blob.Scheme.Derive(blob.Seed)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedIdentity, err.Error())
	}

	if !signer.PublicKey.Equals(blob.PublicKey) {
		return nil, errors.Wrap(ErrMalformedIdentity, "public key does not match seed")
	}

	return &Identity{
		suite:  suite,
		label:  dup(blob.Label),
		signer: signer,
	}, nil
}

func (id *Identity) Serialize() ([]byte, error) {
	data, err := syntax.Marshal(serializedIdentity{
		Version:   identityFormatVersion,
		Label:     id.label,
		Scheme:    id.suite.Scheme(),
		Seed:      id.signer.Data,
		PublicKey: id.signer.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.identity: marshal failed: %v", err)
	}
	return data, nil
}

func (id *Identity) Label() []byte {
	return dup(id.label)
}

func (id *Identity) CipherSuite() CipherSuite {
	return id.suite
}

func (id *Identity) SignaturePublicKey() SignaturePublicKey {
	return id.signer.PublicKey
}

func (id *Identity) Credential() Credential {
	return *NewBasicCredential(id.label, id.suite.Scheme(), id.signer.PublicKey)
}

func (id *Identity) sign(message []byte) ([]byte, error) {
	return id.suite.Scheme().Sign(&id.signer, message)
}

// Init keys are never stored. They are re-derived from the signing seed
// and the public nonce carried by the key package that advertised them.
func (id *Identity) initKey(nonce []byte) (HPKEPrivateKey, error) {
	prk := id.suite.hkdfExtract(nonce, id.signer.Data)
	secret := id.suite.deriveSecret(prk, "init key", id.label)
	defer zeroize(secret)
	return id.suite.hpke().Derive(secret)
}
