package engine

import (
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Time Source
// --------------------------------------------------------------------------

// Clock supplies the current time to the engine. The engine never reads the
// system clock directly: every timestamp, expiry computation and server
// heartbeat goes through the injected Clock so the time model stays
// deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by the system wall clock (UTC).
func SystemClock() Clock { return systemClock{} }

// --------------------------------------------------------------------------
// Key Comparison Policy
// --------------------------------------------------------------------------

// KeyComparer is the string-comparison policy applied to every keyed lookup
// and ordering comparison in the engine. It is fixed at construction; a given
// engine instance always compares keys the same way.
//
// State-name buckets are the one exception: state names are a fixed
// vocabulary and are always compared case-insensitively, regardless of the
// configured policy.
type KeyComparer struct {
	caseSensitive bool
}

// NewKeyComparer creates a comparer with the given case-sensitivity.
func NewKeyComparer(caseSensitive bool) KeyComparer {
	return KeyComparer{caseSensitive: caseSensitive}
}

// Normalize maps a key to its canonical lookup form.
func (c KeyComparer) Normalize(key string) string {
	if c.caseSensitive {
		return key
	}
	return strings.ToLower(key)
}

// Less reports whether a orders before b under the policy.
func (c KeyComparer) Less(a, b string) bool {
	return c.Normalize(a) < c.Normalize(b)
}
