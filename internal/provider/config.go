package provider

import "time"

// Config holds provider client settings
type Config struct {
	ExtSys            string        `toml:"ext_sys"`
	Timeout           time.Duration `toml:"timeout"`
	RateLimit         float64       `toml:"rate_limit"` // requests per second, 0 disables pacing
	RateBurst         int           `toml:"rate_burst"`
	RangeTooLargeCode string        `toml:"range_too_large_code"`
	UserAgent         string        `toml:"user_agent"`
}

// DefaultConfig returns the provider defaults for KOSIS
func DefaultConfig() Config {
	return Config{
		ExtSys:            "KOSIS",
		Timeout:           0,
		RateLimit:         0,
		RateBurst:         1,
		RangeTooLargeCode: "31",
		UserAgent:         "statsync/1.0",
	}
}
