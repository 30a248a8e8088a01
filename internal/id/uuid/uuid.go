// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// taskSuffixLen is the number of hex characters appended to task ids.
const taskSuffixLen = 12

// Generator creates UUID-based identifiers.
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

// NewTaskID returns "<taskType>_<12 hex chars>" drawn from a random UUID.
func (Generator) NewTaskID(taskType string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return taskType + "_" + hex[:taskSuffixLen], nil
}
