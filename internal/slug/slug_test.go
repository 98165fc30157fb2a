package slug

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func fixedClock(v int64) Option {
	return WithClock(func() int64 { return v })
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Login Fix", "login-fix"},
		{"  API -- hardening!! ", "api-hardening"},
		{"wave_2: DB migrations", "wave-2-db-migrations"},
		{"already-fine", "already-fine"},
		{"***", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("amber-falcon"))
	assert.False(t, Valid("Amber-Falcon"))
	assert.False(t, Valid("-amber"))
	assert.False(t, Valid(""))
}

func TestAllocate_PreferredLabel(t *testing.T) {
	a := New(fixedClock(1))
	used := map[string]bool{}

	assert.Equal(t, "auth-rework", a.Allocate(used, "Auth Rework"))
	assert.True(t, used["auth-rework"])

	// Taken preferred labels fall through to generated slugs.
	second := a.Allocate(used, "auth rework")
	assert.NotEqual(t, "auth-rework", second)
	assert.True(t, slugPattern.MatchString(second))
}

func TestAllocate_ManyDistinct(t *testing.T) {
	used := map[string]bool{}
	seen := map[string]bool{}

	for i := 0; i < 50; i++ {
		s := Allocate(used, "")
		assert.Regexp(t, slugPattern, s)
		assert.False(t, seen[s], "duplicate slug %q", s)
		seen[s] = true
	}
	assert.Len(t, used, 50)
}

func TestAllocate_SameClockStillDistinct(t *testing.T) {
	// The used-set size feeds the seed, so rapid calls with a frozen clock
	// still produce distinct values.
	a := New(fixedClock(42))
	used := map[string]bool{}
	for i := 0; i < 20; i++ {
		a.Allocate(used, "")
	}
	assert.Len(t, used, 20)
}

func TestAllocate_Deterministic(t *testing.T) {
	a1 := New(fixedClock(1000))
	a2 := New(fixedClock(1000))

	u1, u2 := map[string]bool{}, map[string]bool{}
	for i := 0; i < 5; i++ {
		assert.Equal(t, a1.Allocate(u1, ""), a2.Allocate(u2, ""))
	}
}

func TestCandidates_ComposeVariants(t *testing.T) {
	cands := candidates(7)
	require.Len(t, cands, MaxAttempts)
	for i, c := range cands {
		words := strings.Count(c, "-") + 1
		if i%variants == 2 {
			assert.Equal(t, 3, words, "candidate %d %q", i, c)
		} else {
			assert.Equal(t, 2, words, "candidate %d %q", i, c)
		}
	}
}

func TestAllocate_ExhaustedFallsBackToSuffix(t *testing.T) {
	const seed = int64(5000)

	used := map[string]bool{}
	for _, c := range candidates(seed) {
		used[c] = true
	}
	// Seed is clock + len(used); pin the clock so the seed matches.
	a := New(fixedClock(seed - int64(len(used))))
	base := candidates(seed)[0]

	got := a.Allocate(used, "")
	assert.Equal(t, base+"-2", got)
	assert.True(t, used[got])
}

func TestAllocate_SuffixSkipsTakenCounters(t *testing.T) {
	const seed = int64(77)

	used := map[string]bool{}
	for _, c := range candidates(seed) {
		used[c] = true
	}
	base := candidates(seed)[0]
	used[base+"-2"] = true
	used[base+"-3"] = true

	a := New(fixedClock(seed - int64(len(used))))
	got := a.Allocate(used, "")
	assert.Equal(t, base+"-4", got)
}
