// Package ids provides the time-ordered identifiers used for chat messages.
//
// IDs are ULIDs: a 48-bit millisecond timestamp counted from the Unix epoch
// (offset 0) followed by 80 bits of entropy. Within one Generator, IDs issued in
// the same millisecond are strictly increasing because the entropy is bumped
// monotonically instead of redrawn.
package ids

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a time-ordered message identifier.
type ID = ulid.ULID

// EpochOffset is added to the embedded millisecond timestamp to get Unix milliseconds.
// ULIDs count from the Unix epoch, so the offset is zero.
const EpochOffset int64 = 0

// ErrInvalidID is returned by Parse for malformed identifiers.
var ErrInvalidID = errors.New("ids: invalid id")

// Generator issues strictly increasing IDs.
//
// The wall clock may step backwards (NTP, VM migration). The generator never
// goes below the last issued millisecond, so order is preserved at the cost of
// the embedded time briefly lagging real time.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	lastMS  uint64
	last    ID
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEntropy overrides the entropy source (tests).
func WithEntropy(r io.Reader) GeneratorOption {
	return func(g *Generator) {
		if r != nil {
			g.entropy = ulid.Monotonic(r, 0)
		}
	}
}

// NewGenerator constructs a Generator backed by crypto/rand.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Next returns a new ID strictly greater than every ID this generator issued before.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(g.now())
	if ms < g.lastMS {
		ms = g.lastMS
	}

	for attempt := 0; attempt < 2; attempt++ {
		id, err := ulid.New(ms, g.entropy)
		if errors.Is(err, ulid.ErrMonotonicOverflow) {
			// Entropy space for this millisecond is exhausted; move to the next one.
			ms++
			continue
		}
		if err != nil {
			return ID{}, err
		}
		if id.Compare(g.last) <= 0 {
			ms++
			continue
		}
		g.lastMS = ms
		g.last = id
		return id, nil
	}
	return ID{}, ulid.ErrMonotonicOverflow
}

// Time converts an ID back to the wall-clock instant it embeds (UTC, ms resolution).
func Time(id ID) time.Time {
	ms := int64(id.Time()) + EpochOffset
	return time.UnixMilli(ms).UTC()
}

// Parse parses the canonical 26-char representation.
func Parse(s string) (ID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ID{}, errors.Join(ErrInvalidID, err)
	}
	return id, nil
}

// MustParse is Parse for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}
