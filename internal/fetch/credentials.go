package fetch

import (
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Credential injects a secret header into requests for one host. The value
// is read from the named environment variable at startup, so guest code
// never sees it and it never takes part in call keys.
type Credential struct {
	Host   string `yaml:"host"`
	Header string `yaml:"header"`
	Env    string `yaml:"env"`
}

type resolvedCredential struct {
	header string
	value  string
}

// credentialTransport sets configured auth headers on outbound requests,
// overwriting whatever the guest supplied for the same header.
type credentialTransport struct {
	next  http.RoundTripper
	creds map[string][]resolvedCredential // by lower-cased hostname
}

func loadCredentials(creds []Credential) map[string][]resolvedCredential {
	out := make(map[string][]resolvedCredential)
	for _, c := range creds {
		value, ok := os.LookupEnv(c.Env)
		if !ok || value == "" {
			log.Warn().
				Str("host", c.Host).
				Str("env", c.Env).
				Msg("credential env var not set; header will not be injected")
			continue
		}
		host := strings.ToLower(c.Host)
		out[host] = append(out[host], resolvedCredential{header: c.Header, value: value})
	}
	return out
}

func (t *credentialTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	creds, ok := t.creds[strings.ToLower(r.URL.Hostname())]
	if !ok {
		return t.next.RoundTrip(r)
	}

	// RoundTrippers must not modify the caller's request.
	r = r.Clone(r.Context())
	for _, c := range creds {
		r.Header.Del(c.header)
		r.Header.Set(c.header, c.value)
	}
	return t.next.RoundTrip(r)
}
