// Package ids generates opaque identifiers for requests, tasks and locks.
// Id generation is its own capability so tests can substitute a
// deterministic generator.
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator mints opaque string identifiers.
type Generator interface {
	New() string
}

// UUIDGenerator mints random UUIDv4 strings. The production TaskIDGen.
type UUIDGenerator struct{}

// New returns a freshly minted UUIDv4 string.
func (UUIDGenerator) New() string {
	return uuid.NewString()
}

// Sequential is a deterministic Generator for tests: it returns
// "<prefix>-1", "<prefix>-2", ... on successive calls.
type Sequential struct {
	Prefix string
	n      int
}

// New returns the next sequential id.
func (s *Sequential) New() string {
	s.n++
	if s.Prefix == "" {
		return uuid.NewString()
	}
	return s.Prefix + "-" + strconv.Itoa(s.n)
}
