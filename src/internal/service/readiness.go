package service

import (
	"regexp"
	"strings"
)

// ReadinessDetector classifies a single line of process output.
type ReadinessDetector interface {
	DetectReadiness(line string) bool
}

// ReadinessFunc adapts a function to ReadinessDetector.
type ReadinessFunc func(line string) bool

func (f ReadinessFunc) DetectReadiness(line string) bool { return f(line) }

// DefaultReadinessMarkers match the "server is up" lines printed by common dev servers
// (Vite, Next.js, webpack-dev-server, CRA, Astro, SvelteKit, express-style logs).
var DefaultReadinessMarkers = []string{
	`(?i)\bready in\b`,
	`(?i)\blocal:\s+https?://`,
	`(?i)\blistening on\b`,
	`(?i)\bcompiled successfully\b`,
	`(?i)\bserver running at\b`,
	`(?i)\bstarted server on\b`,
	`(?i)\bready - started server\b`,
	`(?i)^\s*✓ ready\b`,
	`https?://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):\d+`,
}

// DefaultBindConflictMarkers match "port already taken" failures.
var DefaultBindConflictMarkers = []string{
	`EADDRINUSE`,
	`(?i)address already in use`,
	`(?i)port \d+ is (already )?in use`,
	`(?i)port is already in use`,
	`(?i)only one usage of each socket address`,
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

// MarkerDetector matches lines against a set of regular expressions.
type MarkerDetector struct {
	patterns []*regexp.Regexp
}

// NewMarkerDetector compiles patterns. Invalid patterns are an error.
func NewMarkerDetector(patterns []string) (*MarkerDetector, error) {
	d := &MarkerDetector{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func mustMarkerDetector(patterns []string) *MarkerDetector {
	d, err := NewMarkerDetector(patterns)
	if err != nil {
		panic(err)
	}
	return d
}

// DefaultReadinessDetector returns a detector for DefaultReadinessMarkers.
func DefaultReadinessDetector() *MarkerDetector {
	return mustMarkerDetector(DefaultReadinessMarkers)
}

// DefaultBindConflictDetector returns a detector for DefaultBindConflictMarkers.
func DefaultBindConflictDetector() *MarkerDetector {
	return mustMarkerDetector(DefaultBindConflictMarkers)
}

// DetectReadiness reports whether line matches any pattern.
func (d *MarkerDetector) DetectReadiness(line string) bool {
	line = StripANSI(line)
	for _, re := range d.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
