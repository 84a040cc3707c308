// Package uuid generates identifiers such as consumer tags.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ConsumerTag returns a broker consumer tag unique to this process,
// formatted as <prefix>-<index>-<uuid7>.
func (g Generator) ConsumerTag(prefix string, index int) (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%s", prefix, index, id), nil
}
