// Package ids generates the opaque identifiers used by the chat client:
// one per connection (client id), one per transcript (session id) and one
// per turn.
//
// The identifiers only need to disambiguate concurrent clients; they are not
// a security boundary.
package ids

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idLength = 9

// NewID returns a short lowercase base36 identifier.
func NewID() string {
	u := uuid.New()
	s := new(big.Int).SetBytes(u[:]).Text(36)
	if len(s) < idLength {
		s = strings.Repeat("0", idLength-len(s)) + s
	}
	return s[len(s)-idLength:]
}

// NewClientID returns the identifier embedded in the streaming endpoint path.
func NewClientID() string {
	return NewID()
}

// NewSessionID returns the identifier sent with every chat frame so the
// backend can correlate turns of one conversation.
func NewSessionID() string {
	return newSessionIDAt(time.Now())
}

func newSessionIDAt(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), NewID())
}
