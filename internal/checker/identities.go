package checker

// Identity is one simulated client profile. Attempts rotate through the
// pool so a flaky or filtering target sees a different browser each retry.
type Identity struct {
	Name      string
	UserAgent string
}

// IdentityPool hands out identities round-robin by attempt number.
type IdentityPool struct {
	profiles []Identity
}

// DefaultIdentities returns the built-in desktop browser profiles.
func DefaultIdentities() *IdentityPool {
	return &IdentityPool{profiles: []Identity{
		{
			Name:      "chrome-win",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		},
		{
			Name:      "firefox-win",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		},
		{
			Name:      "safari-mac",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		},
	}}
}

// ForAttempt returns the identity for a 1-based attempt number.
func (p *IdentityPool) ForAttempt(attempt int) Identity {
	if len(p.profiles) == 0 {
		return Identity{}
	}
	idx := (attempt - 1) % len(p.profiles)
	if idx < 0 {
		idx = 0
	}
	return p.profiles[idx]
}

// Size returns the number of profiles in the pool.
func (p *IdentityPool) Size() int {
	return len(p.profiles)
}
