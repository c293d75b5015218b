package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

///
/// CipherSuite
///

type CipherSuite uint16

// The only suite this implementation speaks.
const (
	X25519_AES128GCM_SHA256_Ed25519 CipherSuite = 0x0001
)

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	}
	return fmt.Sprintf("UnknownCipherSuite(0x%04x)", uint16(cs))
}

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_AES128GCM_SHA256_Ed25519)
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) Constants() cipherConstants {
	return cipherConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
}

func (cs CipherSuite) Scheme() SignatureScheme {
	return Ed25519
}

func (cs CipherSuite) newDigest() hash.Hash {
	return sha256.New()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (cs CipherSuite) zero() []byte {
	return bytes.Repeat([]byte{0x00}, cs.Constants().SecretSize)
}

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newDigest, ikm, salt)
}

//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "mls10 " + Label;
//	    opaque context<0..2^32-1> = Context;
//	} HKDFLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: unable to marshal HKDF label: %v", err))
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(cs.newDigest, secret, labelData), out); err != nil {
		panic(fmt.Errorf("mls.crypto: HKDF expand failed: %v", err))
	}
	return out
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, context, cs.Constants().SecretSize)
}

func (cs CipherSuite) hpke() hpkeInstance {
	suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: unable to assemble HPKE suite: %v", err))
	}
	return hpkeInstance{cs, suite}
}

///
/// HPKE
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

//	struct {
//	    opaque kem_output<0..2^16-1>;
//	    opaque ciphertext<0..2^32-1>;
//	} HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.Constants().SecretSize)
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}
	return h.Derive(ikm)
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	// X25519 key generation reads exactly one 32-byte scalar, so the
	// seed digest fixes the key pair.
	digest := h.BaseSuite.Digest(seed)
	skR, pkR, err := h.Suite.KEM.GenerateKeyPair(bytes.NewReader(digest))
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      dup(h.Suite.KEM.MarshalPrivate(skR)),
		PublicKey: HPKEPublicKey{dup(h.Suite.KEM.Marshal(pkR))},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.Unmarshal(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.UnmarshalPrivate(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, Ed25519)
}

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

// Signing keys are always reconstructed from a 32-byte seed so that the
// serialized form of an identity stays canonical.
func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: invalid Ed25519 seed length %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return SignaturePrivateKey{
		Data:      dup(seed),
		PublicKey: SignaturePublicKey{Data: dup(pub)},
	}, nil
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	seed, err := randomBytes(ed25519.SeedSize)
	if err != nil {
		return SignaturePrivateKey{}, err
	}
	return ss.Derive(seed)
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	if len(priv.Data) != ed25519.SeedSize {
		return nil, fmt.Errorf("mls.crypto: malformed Ed25519 private key")
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(priv.Data), message), nil
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	if len(pub.Data) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)
}

// opaque signature<0..2^16-1>;
type Signature struct {
	Data []byte `tls:"head=2"`
}
