package ids

import "github.com/google/uuid"

// NewQueueSuffix returns a random UUID used to make per-process queue names
// unique.
func NewQueueSuffix() string {
	return uuid.NewString()
}

// NewJobID returns a time-ordered UUIDv7 identifying a scheduled job.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
