// Package session derives canonical session identifiers for two-party chats.
// A session is keyed by the unordered pair of participant identifiers, so the
// same id is produced no matter which side initiated the connection.
package session

import (
	"errors"
	"fmt"
)

// Separator joins the two participant identifiers in a session id.
const Separator = "-"

// ErrInvalidPairing is returned when a session id cannot be derived because
// the two participant identifiers are equal or one of them is empty.
var ErrInvalidPairing = errors.New("session: invalid participant pairing")

// DeriveID maps two distinct participant identifiers to the canonical session
// id for their conversation. The identifiers are ordered lexicographically
// before concatenation, so DeriveID(a, b) == DeriveID(b, a).
func DeriveID(userID, partnerID string) (string, error) {
	if userID == "" || partnerID == "" {
		return "", fmt.Errorf("%w: empty participant id", ErrInvalidPairing)
	}
	if userID == partnerID {
		return "", fmt.Errorf("%w: %q paired with itself", ErrInvalidPairing, userID)
	}
	if userID < partnerID {
		return userID + Separator + partnerID, nil
	}
	return partnerID + Separator + userID, nil
}
