package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
	"github.com/pkg/errors"
)

const keyPackageNonceSize = 16

//	struct {
//	    ProtocolVersion version;
//	    CipherSuite cipher_suite;
//	    HPKEPublicKey init_key;
//	    Credential credential;
//	    opaque nonce<0..255>;
//	    opaque signature<0..2^16-1>;
//	} KeyPackage;
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Nonce       []byte `tls:"head=1"`
	Signature   Signature
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Nonce       []byte `tls:"head=1"`
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
		Nonce:       kp.Nonce,
	})
}

// IssueKeyPackage produces a signed key package for id. The init key is
// derived from a fresh nonce, so nothing has to be remembered to later
// accept a welcome addressed to it.
func IssueKeyPackage(id *Identity) ([]byte, error) {
	nonce, err := randomBytes(keyPackageNonceSize)
	if err != nil {
		return nil, err
	}

	kp, err := newKeyPackage(id, nonce)
	if err != nil {
		return nil, err
	}

	return syntax.Marshal(kp)
}

func newKeyPackage(id *Identity, nonce []byte) (*KeyPackage, error) {
	initPriv, err := id.initKey(nonce)
	if err != nil {
		return nil, fmt.Errorf("mls.kp: init key derivation failed: %v", err)
	}

	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: id.suite,
		InitKey:     initPriv.PublicKey,
		Credential:  id.Credential(),
		Nonce:       dup(nonce),
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return nil, fmt.Errorf("mls.kp: marshal failed: %v", err)
	}

	sig, err := id.sign(tbs)
	if err != nil {
		return nil, fmt.Errorf("mls.kp: signing failed: %v", err)
	}

	kp.Signature = Signature{sig}
	return kp, nil
}

// ParseKeyPackage decodes and verifies a key package received from the
// directory. Every failure is ErrInvalidKeyPackage.
func ParseKeyPackage(data []byte) (*KeyPackage, error) {
	kp := new(KeyPackage)
	read, err := syntax.Unmarshal(data, kp)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKeyPackage, err.Error())
	}

	if read != len(data) {
		return nil, errors.Wrapf(ErrInvalidKeyPackage, "%d trailing bytes", len(data)-read)
	}

	if err := kp.Verify(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp KeyPackage) Verify() error {
	if kp.Version != ProtocolVersionMLS10 {
		return errors.Wrapf(ErrInvalidKeyPackage, "unsupported version %d", kp.Version)
	}

	if kp.CipherSuite != X25519_AES128GCM_SHA256_Ed25519 {
		return errors.Wrapf(ErrInvalidKeyPackage, "unsupported cipher suite %v", kp.CipherSuite)
	}

	if kp.Credential.Type() != CredentialTypeBasic || kp.Credential.Scheme() != kp.CipherSuite.Scheme() {
		return errors.Wrap(ErrInvalidKeyPackage, "credential does not match cipher suite")
	}

	if len(kp.InitKey.Data) == 0 {
		return errors.Wrap(ErrInvalidKeyPackage, "empty init key")
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return errors.Wrap(ErrInvalidKeyPackage, err.Error())
	}

	if !kp.CipherSuite.Scheme().Verify(kp.Credential.PublicKey(), tbs, kp.Signature.Data) {
		return errors.Wrap(ErrInvalidKeyPackage, "bad signature")
	}
	return nil
}

// Ref identifies a key package inside a welcome.
func (kp KeyPackage) Ref() ([]byte, error) {
	data, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return kp.CipherSuite.Digest(data), nil
}
