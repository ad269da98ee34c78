package naming

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// IdleMode selects the label of a channel nobody is playing in.
type IdleMode int

const (
	// IdleModePool draws from the idle label pool.
	IdleModePool IdleMode = iota
	// IdleModeOriginal restores the channel's original label, falling back to
	// the pool while none is known.
	IdleModeOriginal
)

func (m IdleMode) String() string {
	if m == IdleModeOriginal {
		return "original"
	}
	return "pool"
}

// ParseIdleMode parses "pool" or "original" (case-insensitive). Empty means pool.
func ParseIdleMode(s string) (IdleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pool":
		return IdleModePool, nil
	case "original":
		return IdleModeOriginal, nil
	default:
		return IdleModePool, fmt.Errorf("unknown idle mode %q (want pool or original)", s)
	}
}

// Resolver turns aggregated activity counts into a target label.
type Resolver struct {
	// IdlePool is the ordered list of fallback labels. Must not be empty.
	IdlePool []string
	// Mode picks between the pool and the channel's original label.
	Mode IdleMode
	// IntN returns a uniform integer in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// NewResolver returns a Resolver over a copy of pool. An empty pool falls back
// to DefaultIdleLabel.
func NewResolver(pool []string) *Resolver {
	p := slices.Clone(pool)
	if len(p) == 0 {
		p = []string{DefaultIdleLabel}
	}
	return &Resolver{IdlePool: p}
}

func (r *Resolver) intn(n int) int {
	if r.IntN != nil {
		return r.IntN(n)
	}
	return rand.IntN(n)
}

// Resolve picks the label for a channel with occupantCount members and the
// given activity counts. lastApplied is the label this system set most
// recently on the channel and original is the label it had before; both only
// influence the idle choice.
//
// The second return value reports whether the channel is idle.
func (r *Resolver) Resolve(occupantCount int, counts map[string]int, lastApplied, original string) (string, bool) {
	if occupantCount == 0 || len(counts) == 0 {
		if r.Mode == IdleModeOriginal && original != "" {
			return Truncate(original), true
		}
		return r.Idle(lastApplied), true
	}
	return Truncate(r.Dominant(counts)), false
}

// Idle draws a label from the pool, never repeating lastApplied when the pool
// has more than one entry.
func (r *Resolver) Idle(lastApplied string) string {
	pool := r.IdlePool
	if len(pool) == 0 {
		return DefaultIdleLabel
	}
	if len(pool) == 1 {
		return pool[0]
	}
	candidates := make([]string, 0, len(pool))
	for _, l := range pool {
		if l != lastApplied {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		// every entry equals lastApplied (duplicated pool)
		return pool[0]
	}
	return candidates[r.intn(len(candidates))]
}

// Dominant returns the activity with the highest count, choosing uniformly
// among ties. counts must not be empty.
func (r *Resolver) Dominant(counts map[string]int) string {
	best := 0
	var tied []string
	for name, n := range counts {
		switch {
		case n > best:
			best = n
			tied = append(tied[:0], name)
		case n == best:
			tied = append(tied, name)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	// map order is random; sort so a seeded IntN is reproducible
	slices.Sort(tied)
	return tied[r.intn(len(tied))]
}

// Truncate cuts label to MaxLabelLength characters.
func Truncate(label string) string {
	runes := []rune(label)
	if len(runes) <= MaxLabelLength {
		return label
	}
	return string(runes[:MaxLabelLength])
}
