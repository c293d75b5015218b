package mls

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer above the protocol core. Wrapped
// errors keep their class, so callers test with errors.Is.
var (
	ErrMalformedIdentity      = errors.New("malformed identity")
	ErrInvalidKeyPackage      = errors.New("invalid key package")
	ErrMalformedWelcome       = errors.New("malformed welcome")
	ErrTrailingData           = errors.New("trailing data after welcome")
	ErrWelcomeNotApplicable   = errors.New("welcome does not match any key package of this identity")
	ErrNotInitialized         = errors.New("group not initialized")
	ErrAlreadyInitialized     = errors.New("group already initialized")
	ErrEmptyPlaintext         = errors.New("empty plaintext")
	ErrUnprocessableMessage   = errors.New("unprocessable message")
	ErrMissingMlsGroup        = errors.New("missing mls group")
	ErrSnapshotSchemaMismatch = errors.New("snapshot schema mismatch")
	ErrSnapshotUnreadable     = errors.New("snapshot unreadable")
)

// InvalidDerivedKeyLengthError reports a derived key whose length differs
// from the fixed length its consumer requires.
type InvalidDerivedKeyLengthError struct {
	Expected int
	Actual   int
}

func (e *InvalidDerivedKeyLengthError) Error() string {
	return fmt.Sprintf("invalid derived key length: expected %d, got %d", e.Expected, e.Actual)
}

// IsAttackerControlled reports whether err stems from parsing or
// validating bytes received from the network. Such errors are surfaced as
// events and never abort the caller's session.
func IsAttackerControlled(err error) bool {
	return errors.Is(err, ErrMalformedWelcome) ||
		errors.Is(err, ErrTrailingData) ||
		errors.Is(err, ErrWelcomeNotApplicable) ||
		errors.Is(err, ErrInvalidKeyPackage) ||
		errors.Is(err, ErrUnprocessableMessage)
}

// IsFatalToGroup reports whether err means the persisted state of one
// group cannot be trusted and the group must not be silently recreated.
func IsFatalToGroup(err error) bool {
	return errors.Is(err, ErrSnapshotSchemaMismatch) || errors.Is(err, ErrSnapshotUnreadable)
}
