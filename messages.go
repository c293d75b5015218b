package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

type WireFormat uint8

const (
	WireFormatPlaintext  WireFormat = 1
	WireFormatCiphertext WireFormat = 2
	WireFormatWelcome    WireFormat = 3
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatPlaintext, WireFormatCiphertext, WireFormatWelcome)
}

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeAdd ProposalType = 1
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd)
}

//	struct {
//	    KeyPackage key_package;
//	} Add;
type AddProposal struct {
	KeyPackage KeyPackage
}

//	struct {
//	    ProposalType msg_type;
//	    select (Proposal.msg_type) {
//	        case add: Add;
//	    };
//	} Proposal;
type Proposal struct {
	Add *AddProposal
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	if p.Add == nil {
		return nil, fmt.Errorf("mls.proposal: unknown proposal type")
	}

	s := syntax.NewWriteStream()
	if err := s.Write(ProposalTypeAdd); err != nil {
		return nil, err
	}
	if err := s.Write(p.Add); err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	if _, err := s.Read(&proposalType); err != nil {
		return 0, err
	}

	p.Add = new(AddProposal)
	if _, err := s.Read(p.Add); err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Commit
///

//	struct {
//	    KeyPackage adds<0..2^32-1>;
//	    UpdatePath path;
//	} Commit;
type Commit struct {
	Adds []KeyPackage `tls:"head=4"`
	Path UpdatePath
}

///
/// MLSPlaintext
///

// Handshake traffic is sent signed but unencrypted; only the update path
// inside a commit carries secrets, and those are HPKE-sealed.
//
//	struct {
//	    opaque group_id<0..255>;
//	    uint64 epoch;
//	    uint32 sender;
//	    ContentType content_type;
//	    optional<Proposal> proposal;
//	    optional<Commit> commit;
//	    opaque signature<0..2^16-1>;
//	    opaque confirmation_tag<0..255>;
//	} MLSPlaintext;
type MLSPlaintext struct {
	GroupID         []byte `tls:"head=1"`
	Epoch           Epoch
	Sender          leafIndex
	ContentType     ContentType
	Proposal        *Proposal `tls:"optional"`
	Commit          *Commit   `tls:"optional"`
	Signature       Signature
	ConfirmationTag []byte `tls:"head=1"`
}

func (pt MLSPlaintext) validate() error {
	switch pt.ContentType {
	case ContentTypeProposal:
		if pt.Proposal == nil || pt.Commit != nil {
			return fmt.Errorf("mls.plaintext: proposal content mismatch")
		}
	case ContentTypeCommit:
		if pt.Commit == nil || pt.Proposal != nil {
			return fmt.Errorf("mls.plaintext: commit content mismatch")
		}
	default:
		return fmt.Errorf("mls.plaintext: content type %d not allowed in plaintext", pt.ContentType)
	}
	return nil
}

type mlsPlaintextTBS struct {
	GroupContext []byte `tls:"head=4"`
	GroupID      []byte `tls:"head=1"`
	Epoch        Epoch
	Sender       leafIndex
	ContentType  ContentType
	Proposal     *Proposal `tls:"optional"`
	Commit       *Commit   `tls:"optional"`
}

func (pt MLSPlaintext) toBeSigned(ctx []byte) ([]byte, error) {
	return syntax.Marshal(mlsPlaintextTBS{
		GroupContext: ctx,
		GroupID:      pt.GroupID,
		Epoch:        pt.Epoch,
		Sender:       pt.Sender,
		ContentType:  pt.ContentType,
		Proposal:     pt.Proposal,
		Commit:       pt.Commit,
	})
}

func (pt *MLSPlaintext) sign(ctx []byte, id *Identity) error {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return fmt.Errorf("mls.plaintext: marshal failed: %v", err)
	}

	sig, err := id.sign(tbs)
	if err != nil {
		return err
	}

	pt.Signature = Signature{sig}
	return nil
}

func (pt MLSPlaintext) verify(ctx []byte, pub *SignaturePublicKey, scheme SignatureScheme) bool {
	tbs, err := pt.toBeSigned(ctx)
	if err != nil {
		return false
	}
	return scheme.Verify(pub, tbs, pt.Signature.Data)
}

type mlsPlaintextCommitContent struct {
	GroupID   []byte `tls:"head=1"`
	Epoch     Epoch
	Sender    leafIndex
	Commit    Commit
	Signature Signature
}

func (pt MLSPlaintext) commitContent() ([]byte, error) {
	return syntax.Marshal(mlsPlaintextCommitContent{
		GroupID:   pt.GroupID,
		Epoch:     pt.Epoch,
		Sender:    pt.Sender,
		Commit:    *pt.Commit,
		Signature: pt.Signature,
	})
}

///
/// MLSCiphertext
///

//	struct {
//	    opaque group_id<0..255>;
//	    uint64 epoch;
//	    ContentType content_type;
//	    opaque sender_data_nonce<0..255>;
//	    opaque encrypted_sender_data<0..255>;
//	    opaque ciphertext<0..2^32-1>;
//	} MLSCiphertext;
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}

type senderData struct {
	Sender     leafIndex
	Generation uint32
	ReuseGuard [4]byte
}

//	struct {
//	    opaque application_data<0..2^32-1>;
//	    opaque signature<0..2^16-1>;
//	} MLSCiphertextContent;
type applicationContent struct {
	Data      []byte `tls:"head=4"`
	Signature Signature
}

type applicationTBS struct {
	GroupContext []byte `tls:"head=4"`
	Sender       leafIndex
	Data         []byte `tls:"head=4"`
}

///
/// MLSMessage
///

//	struct {
//	    ProtocolVersion version = mls10;
//	    WireFormat wire_format;
//	    select (MLSMessage.wire_format) {
//	        case plaintext:  MLSPlaintext;
//	        case ciphertext: MLSCiphertext;
//	        case welcome:    Welcome;
//	    };
//	} MLSMessage;
type MLSMessage struct {
	Version    ProtocolVersion
	Plaintext  *MLSPlaintext
	Ciphertext *MLSCiphertext
	Welcome    *Welcome
}

func (m MLSMessage) WireFormat() WireFormat {
	switch {
	case m.Plaintext != nil:
		return WireFormatPlaintext
	case m.Ciphertext != nil:
		return WireFormatCiphertext
	case m.Welcome != nil:
		return WireFormatWelcome
	}
	return 0
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	wf := m.WireFormat()
	if err := s.Write(ProtocolVersionMLS10); err != nil {
		return nil, err
	}
	if err := s.Write(wf); err != nil {
		return nil, err
	}

	var err error
	switch wf {
	case WireFormatPlaintext:
		err = s.Write(m.Plaintext)
	case WireFormatCiphertext:
		err = s.Write(m.Ciphertext)
	case WireFormatWelcome:
		err = s.Write(m.Welcome)
	default:
		err = fmt.Errorf("mls.message: empty message")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var wf WireFormat
	if _, err := s.Read(&m.Version); err != nil {
		return 0, err
	}
	if _, err := s.Read(&wf); err != nil {
		return 0, err
	}

	var err error
	switch wf {
	case WireFormatPlaintext:
		m.Plaintext = new(MLSPlaintext)
		_, err = s.Read(m.Plaintext)
		if err == nil {
			err = m.Plaintext.validate()
		}
	case WireFormatCiphertext:
		m.Ciphertext = new(MLSCiphertext)
		_, err = s.Read(m.Ciphertext)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		_, err = s.Read(m.Welcome)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// DecodeMessage parses a complete MLSMessage; bytes left over after the
// message are an error.
func DecodeMessage(data []byte) (*MLSMessage, error) {
	m := new(MLSMessage)
	read, err := syntax.Unmarshal(data, m)
	if err != nil {
		return nil, err
	}

	if read != len(data) {
		return nil, fmt.Errorf("mls.message: %d trailing bytes", len(data)-read)
	}
	return m, nil
}

func EncodeMessage(m *MLSMessage) ([]byte, error) {
	return syntax.Marshal(m)
}
