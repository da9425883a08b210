package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("invalid fetch options")

// Options configure outbound request resolution.
type Options struct {
	Timeout          time.Duration `yaml:"timeout"`            // Per request
	MaxConcurrency   int           `yaml:"max_concurrency"`    // In-flight requests per execution
	MaxResponseBytes int64         `yaml:"max_response_bytes"` // Larger bodies are transport failures
	AllowedHosts     []string      `yaml:"allowed_hosts"`      // Empty allows any host
	BlockedHosts     []string      `yaml:"blocked_hosts"`
	Credentials      []Credential  `yaml:"credentials"`
}

// DefaultBlockedHosts are cloud metadata endpoints.
var DefaultBlockedHosts = []string{
	"169.254.169.254",
	"fd00:ec2::254",
	"metadata.google.internal",
	"metadata.azure.com",
}

func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		MaxConcurrency:   16,
		MaxResponseBytes: 10 << 20, // 10MB
		BlockedHosts:     append([]string(nil), DefaultBlockedHosts...),
	}
}

func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidOptions)
	}
	if o.MaxConcurrency < 1 || o.MaxConcurrency > 1024 {
		return fmt.Errorf("%w: max_concurrency must be 1-1024, got %d", ErrInvalidOptions, o.MaxConcurrency)
	}
	if o.MaxResponseBytes < 1 {
		return fmt.Errorf("%w: max_response_bytes must be >= 1", ErrInvalidOptions)
	}
	for i, c := range o.Credentials {
		if c.Host == "" || c.Header == "" || c.Env == "" {
			return fmt.Errorf("%w: credentials[%d] needs host, header and env", ErrInvalidOptions, i)
		}
	}
	return nil
}
