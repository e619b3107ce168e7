// Package retry decides what happens to a delivery after an attempt.
package retry

import (
	"fmt"
	"time"
)

// Kind selects the retry strategy of a subscription.
type Kind string

const (
	KindNone        Kind = "none"
	KindFixed       Kind = "fixed"
	KindExponential Kind = "exponential"
)

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindNone, KindFixed, KindExponential:
		return k, nil
	}
	return "", fmt.Errorf("unknown retry policy %q", s)
}

// Policy is a closed variant: none, fixed{Interval} or exponential{Base, Cap}.
// Fields that do not belong to Kind are ignored.
type Policy struct {
	Kind     Kind          `json:"kind"`
	Interval time.Duration `json:"interval,omitempty"`
	Base     time.Duration `json:"base,omitempty"`
	Cap      time.Duration `json:"cap,omitempty"`
}

// None never retries.
func None() Policy { return Policy{Kind: KindNone} }

// Fixed retries every interval.
func Fixed(interval time.Duration) Policy {
	return Policy{Kind: KindFixed, Interval: interval}
}

// Exponential retries after base, 2*base, 4*base, ... never more than limit.
func Exponential(base, limit time.Duration) Policy {
	return Policy{Kind: KindExponential, Base: base, Cap: limit}
}

// Validate checks that the variant carries usable parameters.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindNone:
		return nil
	case KindFixed:
		if p.Interval <= 0 {
			return fmt.Errorf("fixed retry interval must be positive")
		}
		return nil
	case KindExponential:
		if p.Base <= 0 {
			return fmt.Errorf("exponential retry base must be positive")
		}
		if p.Cap < p.Base {
			return fmt.Errorf("exponential retry cap must be >= base")
		}
		return nil
	}
	return fmt.Errorf("unknown retry policy %q", p.Kind)
}

// Delay returns the wait before the next attempt once attemptsMade attempts
// have happened. attemptsMade is 1 after the first attempt.
func (p Policy) Delay(attemptsMade int) time.Duration {
	switch p.Kind {
	case KindFixed:
		return p.Interval
	case KindExponential:
		n := attemptsMade - 1
		if n < 0 {
			n = 0
		}
		d := p.Base
		for i := 0; i < n; i++ {
			if d >= p.Cap || d > p.Cap/2 {
				return p.Cap
			}
			d *= 2
		}
		if d > p.Cap {
			return p.Cap
		}
		return d
	}
	return 0
}
