// Package slug allocates short, memorable, collision-free wave identifiers
// such as "amber-falcon" or "quiet-river-forge".
package slug

import (
	"strconv"
	"strings"
	"time"
)

// MaxAttempts bounds how many composed candidates are tried before falling
// back to a numeric suffix.
const MaxAttempts = 48

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "clear", "coral", "crisp", "dapper",
	"eager", "fleet", "gentle", "golden", "hardy", "ivory", "jade", "keen",
	"lively", "lucky", "mellow", "misty", "nimble", "noble", "olive", "plucky",
	"quiet", "rapid", "rustic", "silver", "steady", "sunny", "swift", "tidy",
	"vivid", "warm", "witty", "zesty",
}

var nouns = []string{
	"badger", "beacon", "birch", "canyon", "cedar", "comet", "condor", "delta",
	"ember", "falcon", "fjord", "glacier", "harbor", "heron", "lagoon", "lantern",
	"maple", "meadow", "otter", "panther", "pebble", "prairie", "quartz", "raven",
	"ridge", "river", "sparrow", "summit", "thicket", "tundra", "walrus", "willow",
}

var tails = []string{
	"anvil", "arc", "bridge", "crest", "drift", "forge", "gate", "grove",
	"loom", "mill", "path", "spire", "stone", "trail", "vale", "works",
}

// composition variants, cycled per attempt.
const variants = 3

// Allocator reserves slugs. The zero value uses the wall clock as seed source.
type Allocator struct {
	clock func() int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock replaces the seed source. Tests use it to fix candidate
// sequences.
func WithClock(clock func() int64) Option {
	return func(a *Allocator) { a.clock = clock }
}

// New returns an Allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Allocator) now() int64 {
	if a == nil || a.clock == nil {
		return time.Now().UnixNano()
	}
	return a.clock()
}

// Allocate returns an unused slug and inserts it into used. A non-empty
// preferred label is normalized and used when free.
func (a *Allocator) Allocate(used map[string]bool, preferred string) string {
	if p := Normalize(preferred); p != "" && !used[p] {
		used[p] = true
		return p
	}

	seed := a.now() + int64(len(used))
	cands := candidates(seed)
	for _, c := range cands {
		if !used[c] {
			used[c] = true
			return c
		}
	}

	base := cands[0]
	for n := 2; ; n++ {
		s := base + "-" + strconv.Itoa(n)
		if !used[s] {
			used[s] = true
			return s
		}
	}
}

// Allocate uses a wall-clock Allocator.
func Allocate(used map[string]bool, preferred string) string {
	return (*Allocator)(nil).Allocate(used, preferred)
}

// candidates returns the composed candidate sequence for a seed.
func candidates(seed int64) []string {
	out := make([]string, 0, MaxAttempts)
	for i := 0; i < MaxAttempts; i++ {
		h := mix(uint64(seed) + uint64(i)*0x9e3779b97f4a7c15)
		adj := adjectives[h%uint64(len(adjectives))]
		noun := nouns[(h>>20)%uint64(len(nouns))]
		tail := tails[(h>>40)%uint64(len(tails))]

		switch i % variants {
		case 0:
			out = append(out, adj+"-"+noun)
		case 1:
			out = append(out, noun+"-"+tail)
		default:
			out = append(out, adj+"-"+noun+"-"+tail)
		}
	}
	return out
}

// mix is the splitmix64 finalizer.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Normalize lowercases s and joins its alphanumeric runs with hyphens.
func Normalize(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		isWord := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isWord {
			pendingHyphen = b.Len() > 0
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Valid reports whether s is a lowercase hyphenated token sequence.
func Valid(s string) bool {
	return s != "" && Normalize(s) == s
}
