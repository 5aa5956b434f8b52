package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MonitoredURL is a product page registered for periodic price checks.
type MonitoredURL struct {
	ID           string
	URL          string
	Domain       string
	Priority     int // 0 (lowest urgency) .. 9 (highest)
	BaseInterval time.Duration
	LastCheck    time.Time
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DomainOf extracts the registrable host from a product URL, lowercased and
// stripped of a leading "www.".
func DomainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("domain: parse url %q: %w", raw, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("domain: url %q has no host", raw)
	}
	return strings.TrimPrefix(host, "www."), nil
}

// IntervalFactor maps an explicit URL priority to a multiplier on the base
// check interval: priority 0 stretches the interval to 1.5x, priority 9
// compresses it to 0.5x, linearly interpolated in between.
func IntervalFactor(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return 1.5 - float64(priority)/9.0
}
