package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 1
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

//	struct {
//	    opaque identity<0..2^16-1>;
//	    SignatureScheme algorithm;
//	    SignaturePublicKey public_key;
//	} BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

//	struct {
//	    CredentialType credential_type;
//	    select (Credential.credential_type) {
//	        case basic:
//	            BasicCredential;
//	    };
//	} Credential;
type Credential struct {
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) *Credential {
	return &Credential{
		Basic: &BasicCredential{
			Identity:        dup(identity),
			SignatureScheme: scheme,
			PublicKey:       pub,
		},
	}
}

func (c Credential) Type() CredentialType {
	if c.Basic == nil {
		return CredentialTypeInvalid
	}
	return CredentialTypeBasic
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Basic == nil || o.Basic == nil {
		return false
	}

	return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
		c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
		c.Basic.PublicKey.Equals(o.Basic.PublicKey)
}

func (c Credential) Identity() []byte {
	if c.Basic == nil {
		return nil
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Basic == nil {
		return 0
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Basic == nil {
		return nil
	}
	return &c.Basic.PublicKey
}

func (c Credential) MarshalTLS() ([]byte, error) {
	if c.Basic == nil {
		return nil, fmt.Errorf("mls.credential: credential type not allowed")
	}

	s := syntax.NewWriteStream()
	if err := s.Write(CredentialTypeBasic); err != nil {
		return nil, err
	}
	if err := s.Write(c.Basic); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	if _, err := s.Read(&credentialType); err != nil {
		return 0, err
	}

	if credentialType != CredentialTypeBasic {
		return 0, fmt.Errorf("mls.credential: credential type not allowed %v", credentialType)
	}

	c.Basic = new(BasicCredential)
	if _, err := s.Read(c.Basic); err != nil {
		return 0, err
	}

	return s.Position(), nil
}
