package policy

import "time"

// Settings is the millisecond-based wire and config form of a Policy.
type Settings struct {
	InitialRedeliveryDelayMs int64   `json:"initialRedeliveryDelayMs" yaml:"initialRedeliveryDelayMs"`
	RedeliveryDelayMs        int64   `json:"redeliveryDelayMs" yaml:"redeliveryDelayMs"`
	UseExponentialBackOff    bool    `json:"useExponentialBackOff" yaml:"useExponentialBackOff"`
	BackOffMultiplier        float64 `json:"backOffMultiplier" yaml:"backOffMultiplier"`
	// MaximumRedeliveryDelayMs is optional; absent or -1 leaves delays unbounded.
	MaximumRedeliveryDelayMs *int64  `json:"maximumRedeliveryDelayMs,omitempty" yaml:"maximumRedeliveryDelayMs,omitempty"`
	MaximumRedeliveries      int     `json:"maximumRedeliveries" yaml:"maximumRedeliveries"`
}

// Policy converts s. A missing cap and the -1 sentinel both mean unbounded;
// other negative caps are kept so Validate rejects them.
func (s Settings) Policy() Policy {
	p := Policy{
		InitialRedeliveryDelay: ms(s.InitialRedeliveryDelayMs),
		RedeliveryDelay:        ms(s.RedeliveryDelayMs),
		UseExponentialBackOff:  s.UseExponentialBackOff,
		BackOffMultiplier:      s.BackOffMultiplier,
		MaximumRedeliveryDelay: NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    s.MaximumRedeliveries,
	}
	if c := s.MaximumRedeliveryDelayMs; c != nil && *c != -1 {
		p.MaximumRedeliveryDelay = ms(*c)
	}
	return p
}

// WithMaximumDelayMs returns s with the delay cap set to v milliseconds.
func (s Settings) WithMaximumDelayMs(v int64) Settings {
	s.MaximumRedeliveryDelayMs = &v
	return s
}

// SettingsOf is the inverse of Settings.Policy.
func SettingsOf(p Policy) Settings {
	return Settings{
		InitialRedeliveryDelayMs: p.InitialRedeliveryDelay.Milliseconds(),
		RedeliveryDelayMs:        p.RedeliveryDelay.Milliseconds(),
		UseExponentialBackOff:    p.UseExponentialBackOff,
		BackOffMultiplier:        p.BackOffMultiplier,
		MaximumRedeliveries:      p.MaximumRedeliveries,
	}.WithMaximumDelayMs(durationMs(p.MaximumRedeliveryDelay))
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
