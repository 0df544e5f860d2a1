// Package id provides ID generation for the broker.
//
// Connection ids are prefixed ULIDs (conn_*) so log lines for one socket sort
// together in time. Store ids follow the `{pageId}#{random}` convention hosts
// use, with a lowercase ULID as the random part; hosts may mint their own
// store ids in any form, the broker only requires them to be unique.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// ConnID identifies one websocket connection (or one in-process peer).
type ConnID string

// StoreID identifies one live store registration.
type StoreID string

const (
	ConnPrefix  = "conn"
	LocalPrefix = "local"
)

// storeSeparator joins a store id's page id and random suffix.
const storeSeparator = "#"

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy, so ids minted within one millisecond still sort in creation order.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(rand.Reader)
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(entropy, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewConnID generates an id for a websocket connection.
func NewConnID() ConnID {
	return ConnID(Default().GenerateWithPrefix(ConnPrefix))
}

// NewLocalID generates an id for an in-process peer.
func NewLocalID() ConnID {
	return ConnID(Default().GenerateWithPrefix(LocalPrefix))
}

// NewStoreID mints a store id for a page: `{pageId}#{ulid}`.
func NewStoreID(pageID string) StoreID {
	return StoreID(pageID + storeSeparator + strings.ToLower(Default().GenerateString()))
}

func (id ConnID) String() string  { return string(id) }
func (id StoreID) String() string { return string(id) }
