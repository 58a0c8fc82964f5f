package mirror

import "math/rand/v2"

// Sampler is the source of randomness for the listing heuristics.
// Float64 returns a value in [0, 1).
type Sampler interface {
	Float64() float64
}

type globalSampler struct{}

func (globalSampler) Float64() float64 {
	return rand.Float64() // #nosec G404 - sampling, not security
}

// DefaultSampler draws from the process-wide math/rand/v2 source.
var DefaultSampler Sampler = globalSampler{}

// chance returns true with probability p.
func chance(s Sampler, p float64) bool {
	return s.Float64() < p
}
