// Package uuid provides run ID generation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements booking.IDGenerator. IDs are version 7 so runs sort by
// start time in logs and in the history table; if the time-based generator
// fails a random version 4 id is used instead.
type Generator struct {
	newV7 func() (uuid.UUID, error)
}

// NewUUIDGenerator creates a Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{newV7: uuid.NewV7}
}

// NewID returns a new run id.
func (g *Generator) NewID() (string, error) {
	newV7 := g.newV7
	if newV7 == nil {
		newV7 = uuid.NewV7
	}
	id, err := newV7()
	if err == nil {
		return id.String(), nil
	}
	id, fallbackErr := uuid.NewRandom()
	if fallbackErr != nil {
		return "", fmt.Errorf("generate run id: %w", fallbackErr)
	}
	return id.String(), nil
}
