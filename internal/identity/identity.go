// Package identity provides session and device identifiers.
//
// Both are ULIDs: 26-character Crockford base32, lexicographically sortable,
// time-prefixed. A device ID is generated once and persisted forever; a
// session ID is generated per invocation unless the user resumes.
package identity

import (
	"crypto/rand"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDLength is the length of an encoded ULID.
const ULIDLength = 26

var (
	sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,20}$`)
	ulidRe        = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)
)

// NewSessionID generates a new session ULID.
func NewSessionID() string {
	return newULID()
}

// NewDeviceID generates a new device ULID.
func NewDeviceID() string {
	return newULID()
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// IsValidULID reports whether s is a canonical ULID: 26 uppercase Crockford
// base32 characters. Used to distinguish session IDs from session names on
// lookup.
func IsValidULID(s string) bool {
	if !ulidRe.MatchString(s) {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// ValidateSessionName reports whether s is an acceptable session name:
// 1-20 characters of [A-Za-z0-9_-].
func ValidateSessionName(s string) bool {
	return sessionNameRe.MatchString(s)
}
