package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector flags guest code and traced targets that probe the engine
// boundary or internal networks. Detections are reported, never enforced.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern detected in code")
			}
		}
	}

	return detections
}

// AnalyzeTargets checks traced outbound targets for internal or
// privileged destinations. It runs between the trace pass and resolution.
func (d *EscapeDetector) AnalyzeTargets(targets []string) []Detection {
	var detections []Detection

	targetPatterns := []struct {
		name string
		re   *regexp.Regexp
		sev  Severity
	}{
		{"metadata_target", regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal|metadata\.azure\.com|\[?fd00:ec2::254`), SeverityCritical},
		{"loopback_target", regexp.MustCompile(`(?i)^[a-z]+://(localhost|127\.\d+\.\d+\.\d+|\[::1\]|0\.0\.0\.0)([:/]|$)`), SeverityHigh},
		{"private_network_target", regexp.MustCompile(`^[a-z]+://(10\.\d+\.\d+\.\d+|192\.168\.\d+\.\d+|172\.(1[6-9]|2\d|3[01])\.\d+\.\d+)([:/]|$)`), SeverityMedium},
		{"non_http_scheme", regexp.MustCompile(`(?i)^(file|gopher|ftp|dict|ldap)://`), SeverityHigh},
	}

	for i, target := range targets {
		for _, p := range targetPatterns {
			if p.re.MatchString(target) {
				detections = append(detections, Detection{
					Pattern:  p.name,
					Severity: p.sev.String(),
					Detail:   "suspicious outbound target: " + target,
					Line:     i + 1,
				})
			}
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "constructor_escape",
			Description: "Reaching the Function constructor through an object's constructor chain",
			Regex:       regexp.MustCompile(`constructor\s*\.\s*constructor|\[\s*['"\x60]constructor['"\x60]\s*\]\s*\[`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "prototype_pollution",
			Description: "Mutating shared prototypes",
			Regex:       regexp.MustCompile(`__proto__|Object\.prototype\s*(\.|\[)|setPrototypeOf|__defineGetter__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "dynamic_code",
			Description: "Compiling code at runtime",
			Regex:       regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"\x60]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "host_module_access",
			Description: "Looking for host runtime modules or process state",
			Regex:       regexp.MustCompile(`\brequire\s*\(|\bimport\s*\(|\bprocess\s*\.\s*(env|binding|mainModule|exit)|\bDeno\b|\bBun\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws|metadata\.azure`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "file_scheme",
			Description: "Requesting a local file URL",
			Regex:       regexp.MustCompile(`(?i)file://`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "unbounded_loop",
			Description: "Loop with no exit condition",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
