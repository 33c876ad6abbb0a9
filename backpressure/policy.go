// Package backpressure describes how a stream's send buffer behaves when the
// consumer cannot keep up. A Policy is pure configuration: validated once,
// then read by the stream engine on every overflow decision. Policies can be
// built in code, decoded from a YAML or JSON file, or kept hot via a
// file-watching Reloader.
package backpressure

import (
	"fmt"
	"time"
)

// Strategy selects the overflow behavior applied when buffer occupancy
// reaches the high watermark.
type Strategy string

const (
	// StrategyDropOldest evicts from the front of the buffer until the new
	// event fits. Consumers see a gap in sequence ids.
	StrategyDropOldest Strategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event and keeps the buffer.
	StrategyDropNewest Strategy = "drop-newest"
	// StrategyPause relies on the transport drain signal; the buffer itself
	// still evicts oldest-first rather than growing without bound.
	StrategyPause Strategy = "pause"
	// StrategySample probabilistically keeps a fraction of events when full.
	StrategySample Strategy = "sample"
	// StrategyClose force-closes the stream on overflow. Only meaningful as a
	// per-stream option; Validate rejects it in a Policy.
	StrategyClose Strategy = "close"
)

// Watermarks are buffer occupancy thresholds. Low is the resume signal, High
// triggers the overflow strategy.
type Watermarks struct {
	Low  int `yaml:"low" json:"low"`
	High int `yaml:"high" json:"high"`
}

// Limits bound the buffer beyond the watermarks. MaxMessages is the hard
// occupancy ceiling; MaxBytes and MessageTimeout are optional secondary
// bounds (zero disables them).
type Limits struct {
	MaxMessages    int           `yaml:"maxMessages" json:"maxMessages"`
	MaxBytes       int64         `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"`
	MessageTimeout time.Duration `yaml:"messageTimeout,omitempty" json:"messageTimeout,omitempty"`
}

// Sampling configures StrategySample. Rate is the fraction of events kept
// while the buffer is full, in (0, 1].
type Sampling struct {
	Rate float64 `yaml:"rate" json:"rate"`
}

// Policy is a validated backpressure configuration. The zero value is not
// usable; call Validate (or start from Default) before handing it to a
// stream.
type Policy struct {
	Strategy   Strategy   `yaml:"strategy" json:"strategy"`
	Watermarks Watermarks `yaml:"watermarks" json:"watermarks"`
	Limits     Limits     `yaml:"limits" json:"limits"`
	Sampling   *Sampling  `yaml:"sampling,omitempty" json:"sampling,omitempty"`
}

// Default returns the policy used when the caller provides none: drop-oldest
// with a 1000-message ceiling and watermarks at 250/800.
func Default() Policy {
	return Policy{
		Strategy:   StrategyDropOldest,
		Watermarks: Watermarks{Low: 250, High: 800},
		Limits:     Limits{MaxMessages: 1000},
	}
}

// FieldError is one validation failure: the dotted path of the offending
// field and a human-readable message.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// Validate checks the policy and returns every violation found. A nil result
// means the policy is usable. Validate never panics on malformed input; the
// caller decides whether to fall back to defaults or reject the connection.
func Validate(p Policy) []FieldError {
	var errs []FieldError

	switch p.Strategy {
	case StrategyDropOldest, StrategyDropNewest, StrategyPause, StrategySample:
	case StrategyClose:
		errs = append(errs, FieldError{"strategy", "close is a per-stream overflow mode, not a policy strategy"})
	case "":
		errs = append(errs, FieldError{"strategy", "strategy is required"})
	default:
		errs = append(errs, FieldError{"strategy", fmt.Sprintf("unknown strategy %q", p.Strategy)})
	}

	if p.Watermarks.Low <= 0 {
		errs = append(errs, FieldError{"watermarks.low", "must be a positive integer"})
	}
	if p.Watermarks.High <= 0 {
		errs = append(errs, FieldError{"watermarks.high", "must be a positive integer"})
	}
	if p.Watermarks.Low > 0 && p.Watermarks.High > 0 && p.Watermarks.Low >= p.Watermarks.High {
		errs = append(errs, FieldError{"watermarks.low", "must be less than watermarks.high"})
	}

	if p.Limits.MaxMessages <= 0 {
		errs = append(errs, FieldError{"limits.maxMessages", "must be a positive integer"})
	} else if p.Watermarks.High > p.Limits.MaxMessages {
		errs = append(errs, FieldError{"watermarks.high", "must not exceed limits.maxMessages"})
	}
	if p.Limits.MaxBytes < 0 {
		errs = append(errs, FieldError{"limits.maxBytes", "must not be negative"})
	}
	if p.Limits.MessageTimeout < 0 {
		errs = append(errs, FieldError{"limits.messageTimeout", "must not be negative"})
	}

	if p.Strategy == StrategySample {
		if p.Sampling == nil {
			errs = append(errs, FieldError{"sampling", "required when strategy is sample"})
		} else if p.Sampling.Rate <= 0 || p.Sampling.Rate > 1 {
			errs = append(errs, FieldError{"sampling.rate", "must be in (0, 1]"})
		}
	} else if p.Sampling != nil {
		errs = append(errs, FieldError{"sampling", "only valid when strategy is sample"})
	}

	return errs
}
