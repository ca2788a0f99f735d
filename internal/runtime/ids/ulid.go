// Package ids generates the identifiers carried by envelopes, queues and
// scheduled jobs.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Values created by one process are strictly increasing.
func CreateULID() string {
	return ulid.Make().String()
}

// ULIDTime returns the creation time encoded in id.
func ULIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
