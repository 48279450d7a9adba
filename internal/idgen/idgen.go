// Package idgen mints time-sortable globally unique identifiers for every
// vertex in the graph (spec.md §4.1, C1).
//
// Layout, 128 bits rendered as 32 hex characters:
//
//	48 bits  milliseconds since Unix epoch
//	16 bits  per-process monotonic counter (resets at each new millisecond)
//	64 bits  crypto-random
//
// The counter guarantees that two IDs minted within the same process in the
// same millisecond still sort in call order (spec.md: "the sort order of IDs
// generated within the same process matches the order of calls"). The
// random tail gives cross-process global uniqueness the way a hash-derived
// id (the approach steveyegge/beads/internal/idgen/hash.go takes for its
// short issue ids) cannot, since beads' ids are not required to be
// chronologically sortable and ours are.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Prefix is a human-readable vertex-kind tag (spec.md §4.1). Strip removes
// it and WithPrefix puts it back; the stores in this repository keep ids in
// their prefixed form, and nothing strips them on write.
type Prefix string

const (
	PrefixEntity    Prefix = "entity_"
	PrefixAssertion Prefix = "asrt_"
	PrefixEvent     Prefix = "evt_"
	PrefixImport    Prefix = "imp_"
	PrefixProperty  Prefix = "pv_"
	PrefixSource    Prefix = "src_"
)

var (
	mu          sync.Mutex
	lastMillis  int64
	counter     uint16
)

// nowMillis is overridable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// New mints a bare 32-hex-character ID with no prefix.
func New() string {
	mu.Lock()
	ms := nowMillis()
	if ms == lastMillis {
		counter++
	} else {
		lastMillis = ms
		counter = 0
	}
	ms32, ctr := ms, counter
	mu.Unlock()

	var buf [16]byte
	// 48-bit timestamp occupies the top 6 bytes.
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(ms32))
	copy(buf[0:6], tsBytes[2:8])
	binary.BigEndian.PutUint16(buf[6:8], ctr)
	if _, err := rand.Read(buf[8:]); err != nil {
		// crypto/rand failure is unrecoverable; a degraded but still
		// unique-enough fallback keeps the minter from panicking callers.
		for i := 8; i < 16; i++ {
			buf[i] = byte(time.Now().UnixNano() >> uint(8*(i-8)))
		}
	}
	return hex.EncodeToString(buf[:])
}

// NewWithPrefix mints an ID and renders it with a human-readable prefix.
// Strip returns the bare 32-hex-character form.
func NewWithPrefix(p Prefix) string {
	return string(p) + New()
}

// Strip removes a known prefix from id, returning the bare 32-hex-character
// form suitable for storage. If id carries no recognized prefix it is
// returned unchanged.
func Strip(id string) string {
	for _, p := range []Prefix{PrefixEntity, PrefixAssertion, PrefixEvent, PrefixImport, PrefixProperty, PrefixSource} {
		if strings.HasPrefix(id, string(p)) {
			return strings.TrimPrefix(id, string(p))
		}
	}
	return id
}

// WithPrefix recomposes a bare id with the given prefix on read.
func WithPrefix(p Prefix, bareID string) string {
	return fmt.Sprintf("%s%s", p, Strip(bareID))
}

// Timestamp extracts the minting time encoded in a bare or prefixed id.
func Timestamp(id string) (time.Time, error) {
	bare := Strip(id)
	raw, err := hex.DecodeString(bare)
	if err != nil || len(raw) != 16 {
		return time.Time{}, fmt.Errorf("idgen: malformed id %q", id)
	}
	var tsBytes [8]byte
	copy(tsBytes[2:8], raw[0:6])
	ms := int64(binary.BigEndian.Uint64(tsBytes[:]))
	return time.UnixMilli(ms).UTC(), nil
}
