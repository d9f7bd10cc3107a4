package ring

import (
	"encoding/binary"
	"runtime"

	"github.com/cespare/xxhash/v2"
)

// Backoff bounds the help loops that advance a visibility cursor past slots completed by other
// goroutines. A helper that finds a gap re-checks it up to Retries(slot) times and then leaves the
// cursor for the goroutine that owns the gap.
type Backoff struct {
	// MinRetries is the number of re-checks every helper performs.
	MinRetries int
	// Spread adds hash(slot) % Spread re-checks so helpers on neighbouring slots give up at
	// different moments instead of together.
	Spread int
	// MaxPause caps the exponential number of scheduler yields between two re-checks.
	MaxPause int
}

// DefaultBackoff is used by New and New32 unless WithBackoff is given.
var DefaultBackoff = Backoff{
	MinRetries: 4,
	Spread:     8,
	MaxPause:   8,
}

// Retries returns the re-check budget for the given slot index.
func (b Backoff) Retries(slot uint64) int {
	n := b.MinRetries
	if b.Spread > 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], slot)
		n += int(xxhash.Sum64(buf[:]) % uint64(b.Spread))
	}
	return n
}

// Pause yields 2^attempt times, capped at MaxPause.
func (b Backoff) Pause(attempt int) {
	n := 1
	if attempt < 16 {
		n = 1 << attempt
	} else {
		n = b.MaxPause
	}
	if n > b.MaxPause {
		n = b.MaxPause
	}
	for i := 0; i < n; i++ {
		runtime.Gosched()
	}
}

func (b Backoff) normalized() Backoff {
	if b.MinRetries < 0 {
		b.MinRetries = 0
	}
	if b.Spread < 0 {
		b.Spread = 0
	}
	if b.MaxPause < 1 {
		b.MaxPause = 1
	}
	return b
}

// roundUp returns the smallest power of two >= n.
func roundUp(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
