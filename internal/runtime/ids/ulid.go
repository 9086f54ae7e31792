// Package ids generates the identifiers used for message ids, lock tokens and
// bus instance names.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable 26 character ULID. IDs created by one process
// are strictly increasing.
func NewID() string {
	return newAt(time.Now())
}

// NewLockToken returns an opaque token identifying one lock acquisition.
func NewLockToken() string {
	return newAt(time.Now())
}

func newAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// CreatedAt extracts the embedded millisecond timestamp of id.
func CreatedAt(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
