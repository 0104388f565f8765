package sensor

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Simulated produces random readings in the ranges a ward room sees:
// 20 to 28 C, 40 to 65 %RH, motion half of the time. Values carry two
// decimals. It is safe for concurrent use.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated sensor. The same non-zero seed
// yields the same sequence; zero picks a random seed.
func NewSimulated(seed uint64) *Simulated {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// ReadTemperature returns a value in [20, 28].
func (s *Simulated) ReadTemperature() float64 {
	return s.uniform(20, 28)
}

// ReadHumidity returns a value in [40, 65].
func (s *Simulated) ReadHumidity() float64 {
	return s.uniform(40, 65)
}

// ReadMotion returns true with probability one half.
func (s *Simulated) ReadMotion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() > 0.5
}

func (s *Simulated) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	v := lo + s.rng.Float64()*(hi-lo)
	s.mu.Unlock()
	return math.Round(v*100) / 100
}
