// Package event holds the protocol event type relayed by nostrhook and the pure checks
// that decide whether an incoming event is authentic.
//
// Events are content addressed: the id is the sha256 of the canonical serialization
// [0, pubkey, created_at, kind, tags, content] and the signature is a BIP-340 schnorr
// signature by pubkey over the id. Signature math is delegated to go-nostr.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event is the signed post record received from relays. It is never mutated after receipt.
type Event = nostr.Event

// Rejection reasons reported by Validate.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonBadSignature = "bad_signature"
	ReasonMalformed    = "malformed"
)

var (
	// ErrMalformed marks events missing required fields or carrying badly shaped ones.
	ErrMalformed = errors.New("malformed event")
	// ErrInvalidSignature marks events whose id or signature does not check out.
	ErrInvalidSignature = errors.New("invalid event signature")
)

// InvalidError describes why an event failed validation.
type InvalidError struct {
	ID     string
	Reason string
	Err    error
}

func (e *InvalidError) Error() string {
	if e.Err != nil && e.Reason == ReasonBadSignature {
		return fmt.Sprintf("event %s: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.ID, e.Reason)
}

// Unwrap maps the reason onto the package sentinels so callers can use errors.Is.
func (e *InvalidError) Unwrap() []error {
	sentinel := ErrInvalidSignature
	if e.Reason == ReasonMalformed {
		sentinel = ErrMalformed
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Validate checks that ev is authentic: its id is the hash of its content and its
// signature verifies against its author. It performs no I/O.
//
// Fields that cannot be hashed or verified at all (non-hex id, author or signature) are
// reported as malformed before the hash is computed.
func Validate(ev *Event) error {
	if ev == nil {
		return &InvalidError{Reason: ReasonMalformed}
	}
	if !isLowerHex(ev.ID, 64) || !isLowerHex(ev.PubKey, 64) || !isLowerHex(ev.Sig, 128) {
		return &InvalidError{ID: ev.ID, Reason: ReasonMalformed}
	}
	if ComputeID(ev) != ev.ID {
		return &InvalidError{ID: ev.ID, Reason: ReasonHashMismatch}
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return &InvalidError{ID: ev.ID, Reason: ReasonBadSignature, Err: err}
	}
	if !ok {
		return &InvalidError{ID: ev.ID, Reason: ReasonBadSignature}
	}
	return nil
}

// ComputeID returns the hex sha256 of the canonical serialization of ev.
func ComputeID(ev *Event) string {
	sum := sha256.Sum256(ev.Serialize())
	return hex.EncodeToString(sum[:])
}

// Reason extracts the validation reason from err, or "" when err is not an InvalidError.
func Reason(err error) string {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
