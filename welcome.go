package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

//	struct {
//	    opaque group_id<0..255>;
//	    uint64 epoch;
//	    RatchetTree tree;
//	    opaque confirmed_transcript_hash<0..255>;
//	    opaque interim_transcript_hash<0..255>;
//	    opaque confirmation_tag<0..255>;
//	    uint32 signer_index;
//	    opaque signature<0..2^16-1>;
//	} GroupInfo;
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	ConfirmationTag         []byte `tls:"head=1"`
	SignerIndex             leafIndex
	Signature               Signature
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		GroupID                 []byte `tls:"head=1"`
		Epoch                   Epoch
		Tree                    RatchetTree
		ConfirmedTranscriptHash []byte `tls:"head=1"`
		InterimTranscriptHash   []byte `tls:"head=1"`
		ConfirmationTag         []byte `tls:"head=1"`
		SignerIndex             leafIndex
	}{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		ConfirmationTag:         gi.ConfirmationTag,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(id *Identity) error {
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := id.sign(tbs)
	if err != nil {
		return err
	}

	gi.Signature = Signature{sig}
	return nil
}

func (gi GroupInfo) verify(suite CipherSuite) error {
	cred, err := gi.Tree.credential(gi.SignerIndex)
	if err != nil {
		return err
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	if !suite.Scheme().Verify(cred.PublicKey(), tbs, gi.Signature.Data) {
		return fmt.Errorf("mls.welcome: group info signature invalid")
	}
	return nil
}

//	struct {
//	    opaque path_secret<1..255>;
//	} PathSecret;
type PathSecret struct {
	Data []byte `tls:"head=1"`
}

//	struct {
//	    opaque joiner_secret<1..255>;
//	    optional<PathSecret> path_secret;
//	} GroupSecrets;
type GroupSecrets struct {
	JoinerSecret []byte      `tls:"head=1"`
	PathSecret   *PathSecret `tls:"optional"`
}

// The nonce lets the recipient re-derive the init key it advertised.
//
//	struct {
//	    opaque key_package_ref<1..255>;
//	    opaque key_package_nonce<0..255>;
//	    HPKECiphertext encrypted_group_secrets;
//	} EncryptedGroupSecrets;
type EncryptedGroupSecrets struct {
	KeyPackageRef         []byte `tls:"head=1"`
	KeyPackageNonce       []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

//	struct {
//	    ProtocolVersion version = mls10;
//	    CipherSuite cipher_suite;
//	    EncryptedGroupSecrets secrets<0..2^32-1>;
//	    opaque encrypted_group_info<1..2^32-1>;
//	} Welcome;
type Welcome struct {
	Version            ProtocolVersion
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

func newWelcome(suite CipherSuite, joinerSecret []byte, groupInfo *GroupInfo) (*Welcome, error) {
	gi, err := syntax.Marshal(groupInfo)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info marshal failed: %v", err)
	}

	kn := welcomeKeyAndNonce(suite, joinerSecret)
	aead, err := suite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		Version:            ProtocolVersionMLS10,
		CipherSuite:        suite,
		Secrets:            []EncryptedGroupSecrets{},
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, gi, []byte{}),
	}, nil
}

// EncryptTo seals the joiner secret, and the path secret when there is
// one, to the init key of kp.
func (w *Welcome) EncryptTo(kp KeyPackage, joinerSecret, pathSecret []byte) error {
	ref, err := kp.Ref()
	if err != nil {
		return err
	}

	gs := GroupSecrets{JoinerSecret: joinerSecret}
	if pathSecret != nil {
		gs.PathSecret = &PathSecret{pathSecret}
	}

	pt, err := syntax.Marshal(gs)
	if err != nil {
		return fmt.Errorf("mls.welcome: group secrets marshal failed: %v", err)
	}

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, pt)
	if err != nil {
		return fmt.Errorf("mls.welcome: encryption failed: %v", err)
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageRef:         ref,
		KeyPackageNonce:       dup(kp.Nonce),
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// maxWelcomeSecrets bounds the entries a joiner examines. Each distinct
// nonce costs a key derivation and a signature.
const maxWelcomeSecrets = 64

// decryptSecrets finds the entry addressed to one of id's key packages.
// The third return value is false when none is.
func (w Welcome) decryptSecrets(id *Identity) (*KeyPackage, *GroupSecrets, bool, error) {
	if len(w.Secrets) > maxWelcomeSecrets {
		return nil, nil, true, fmt.Errorf("mls.welcome: %d group secrets exceeds %d", len(w.Secrets), maxWelcomeSecrets)
	}

	type candidate struct {
		kp  *KeyPackage
		ref []byte
	}
	derived := map[string]candidate{}
	for _, egs := range w.Secrets {
		if len(egs.KeyPackageNonce) != keyPackageNonceSize {
			continue
		}

		c, ok := derived[string(egs.KeyPackageNonce)]
		if !ok {
			kp, err := newKeyPackage(id, egs.KeyPackageNonce)
			if err != nil {
				return nil, nil, false, err
			}

			ref, err := kp.Ref()
			if err != nil {
				return nil, nil, false, err
			}
			c = candidate{kp, ref}
			derived[string(egs.KeyPackageNonce)] = c
		}

		if string(c.ref) != string(egs.KeyPackageRef) {
			continue
		}
		kp := c.kp

		initPriv, err := id.initKey(egs.KeyPackageNonce)
		if err != nil {
			return nil, nil, true, err
		}

		pt, err := w.CipherSuite.hpke().Decrypt(initPriv, []byte{}, egs.EncryptedGroupSecrets)
		if err != nil {
			return nil, nil, true, fmt.Errorf("mls.welcome: group secrets decryption failed: %v", err)
		}

		gs := new(GroupSecrets)
		read, err := syntax.Unmarshal(pt, gs)
		if err != nil || read != len(pt) {
			return nil, nil, true, fmt.Errorf("mls.welcome: group secrets malformed")
		}
		return kp, gs, true, nil
	}

	return nil, nil, false, nil
}

func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	kn := welcomeKeyAndNonce(w.CipherSuite, joinerSecret)
	aead, err := w.CipherSuite.NewAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	data, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info decryption failed: %v", err)
	}

	gi := new(GroupInfo)
	read, err := syntax.Unmarshal(data, gi)
	if err != nil {
		return nil, fmt.Errorf("mls.welcome: group info malformed: %v", err)
	}
	if read != len(data) {
		return nil, fmt.Errorf("mls.welcome: group info has trailing data")
	}

	gi.Tree.Suite = w.CipherSuite
	return gi, nil
}
