// Package domain holds the identifiers and records shared by the group,
// session, bootstrap and storage layers.
package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type UserID int64
type GuildID int64
type ChannelID int64
type DeviceID string

// SnapshotSchemaVersion is the only snapshot layout this build reads.
const SnapshotSchemaVersion uint16 = 1

// ErrNotFound is returned by stores when a keyed record is absent and the
// contract has no "optional" return.
var ErrNotFound = errors.New("not found")

// ErrCorruptSnapshot is returned by stores whose stored snapshot record
// cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt snapshot record")

// DeviceLabel is the credential label carried by a device identity.
func DeviceLabel(user UserID, device DeviceID) []byte {
	return []byte(fmt.Sprintf("user:%d:%s", user, device))
}

// RoomName scopes exported keys to one channel.
func RoomName(guild GuildID, channel ChannelID) string {
	return fmt.Sprintf("g:%d:c:%d", guild, channel)
}

// Member is one row of a guild roster.
type Member struct {
	UserID UserID `json:"user_id"`
	Banned bool   `json:"banned"`
	Muted  bool   `json:"muted"`
}

// SnapshotKey addresses one persisted group state.
type SnapshotKey struct {
	User    UserID
	Device  DeviceID
	Guild   GuildID
	Channel ChannelID
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("user=%d device=%s guild=%d channel=%d", k.User, k.Device, k.Guild, k.Channel)
}

// Snapshot is a versioned group state split into a public topology blob
// and a private key-material blob. Stores treat both as opaque.
type Snapshot struct {
	SchemaVersion uint16 `cbor:"1,keyasint"`
	Topology      []byte `cbor:"2,keyasint"`
	KeyMaterial   []byte `cbor:"3,keyasint"`
}

// PendingWelcome is one mailbox row.
type PendingWelcome struct {
	ID         string
	Guild      GuildID
	Channel    ChannelID
	Target     UserID
	Welcome    []byte
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// ClaimedWelcome is the result of a successful claim.
type ClaimedWelcome struct {
	Welcome    []byte
	ConsumedAt time.Time
}

type BootstrapReason string

const (
	BootstrapReasonUnknown                        BootstrapReason = "unknown"
	BootstrapReasonMissingPendingWelcome          BootstrapReason = "missing_pending_welcome"
	BootstrapReasonLocalStateMissing              BootstrapReason = "local_state_missing"
	BootstrapReasonRecoveryWelcomeDuplicateMember BootstrapReason = "recovery_welcome_duplicate_member"
)

// ParseBootstrapReason maps unrecognised wire values to
// BootstrapReasonUnknown.
func ParseBootstrapReason(s string) BootstrapReason {
	switch r := BootstrapReason(s); r {
	case BootstrapReasonMissingPendingWelcome,
		BootstrapReasonLocalStateMissing,
		BootstrapReasonRecoveryWelcomeDuplicateMember:
		return r
	}
	return BootstrapReasonUnknown
}

// BootstrapRequest asks the server to nudge bootstrap for a channel,
// optionally for a single target.
type BootstrapRequest struct {
	Guild   GuildID         `json:"guild_id"`
	Channel ChannelID       `json:"channel_id"`
	Target  *UserID         `json:"target_user_id,omitempty"`
	Reason  BootstrapReason `json:"reason"`
}

type ServerEventType string

const (
	EventMlsWelcomeAvailable   ServerEventType = "MlsWelcomeAvailable"
	EventMlsBootstrapRequested ServerEventType = "MlsBootstrapRequested"
)

// ServerEvent is a server push relevant to MLS membership.
type ServerEvent struct {
	Type    ServerEventType `json:"type"`
	Guild   GuildID         `json:"guild_id"`
	Channel ChannelID       `json:"channel_id"`
	Target  *UserID         `json:"target_user_id,omitempty"`
	Reason  BootstrapReason `json:"reason,omitempty"`
}
