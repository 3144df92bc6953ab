package notify

import (
	"math"
	"time"
)

// BackoffPolicy computes retry delays as min(Max, Base * Multiplier^(n-1)).
type BackoffPolicy struct {
	Base       time.Duration `yaml:"base_delay"`
	Max        time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// DefaultBackoff yields 5s, 10s, 20s, ... capped at five minutes.
var DefaultBackoff = BackoffPolicy{
	Base:       5 * time.Second,
	Max:        300 * time.Second,
	Multiplier: 2,
}

// Delay returns the wait after the n-th failed attempt. n below 1 is
// treated as 1.
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(n-1))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1) || math.IsNaN(d)) {
		return p.Max
	}
	return time.Duration(d)
}
