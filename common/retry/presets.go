package retry

import "time"

// Presets for common retry profiles. Callers copy a preset and attach hooks.

// Quick suits fast local operations
func Quick() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterFactor:      0.1,
	}
}

// Standard is the default profile for agent work
func Standard() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterFactor:      0.1,
	}
}

// Aggressive retries harder for flaky-but-important calls
func Aggressive() Options {
	return Options{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.5,
		EnableJitter:      true,
		JitterFactor:      0.1,
	}
}

// Patient waits long between attempts for slow downstreams
func Patient() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          120 * time.Second,
		BackoffMultiplier: 3,
		EnableJitter:      true,
		JitterFactor:      0.1,
	}
}

// Network has wider jitter to spread reconnect storms
func Network() Options {
	return Options{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		EnableJitter:      true,
		JitterFactor:      0.2,
	}
}

// Preset returns a named preset, defaulting to Standard for unknown names
func Preset(name string) Options {
	switch name {
	case "quick":
		return Quick()
	case "aggressive":
		return Aggressive()
	case "patient":
		return Patient()
	case "network":
		return Network()
	default:
		return Standard()
	}
}
