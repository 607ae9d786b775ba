package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a sortable unique identifier used for jobs.
type ID string

func (c ID) String() string {
	return string(c)
}

// NewID returns a random KSUID. IDs created in later seconds sort after
// earlier ones.
func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return ID(id.String()), nil
}
