package fetch

import (
	"encoding/json"

	"replay-sandbox/internal/canon"
)

// Envelope is the guest-visible result of one outbound call. Transport
// failures are values too: OK false, Status 0, StatusText "Error" and a
// non-empty Error.
type Envelope struct {
	OK         bool
	Status     int
	StatusText string
	Headers    map[string]string
	Data       any
	Error      string
}

// Failed reports whether the envelope describes a transport failure.
func (e *Envelope) Failed() bool {
	return e.Error != ""
}

type successShape struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Data       any               `json:"data"`
}

type failureShape struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Error      string            `json:"error"`
}

// MarshalJSON emits exactly one of the two envelope shapes.
func (e Envelope) MarshalJSON() ([]byte, error) {
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	if e.Error != "" {
		return json.Marshal(failureShape{
			OK:         false,
			Status:     0,
			StatusText: "Error",
			Headers:    headers,
			Error:      e.Error,
		})
	}
	return json.Marshal(successShape{
		OK:         e.OK,
		Status:     e.Status,
		StatusText: e.StatusText,
		Headers:    headers,
		Data:       e.Data,
	})
}

// UnmarshalJSON accepts either envelope shape.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		OK         bool              `json:"ok"`
		Status     int               `json:"status"`
		StatusText string            `json:"statusText"`
		Headers    map[string]string `json:"headers"`
		Data       any               `json:"data"`
		Error      string            `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Envelope(raw)
	return nil
}

// failure builds a transport-failure envelope.
func failure(err error) *Envelope {
	return &Envelope{
		StatusText: "Error",
		Headers:    map[string]string{},
		Error:      err.Error(),
	}
}

// ResolutionMap maps canonical call keys to their envelopes.
type ResolutionMap map[canon.Key]*Envelope

// Lookup returns the envelope stored under key.
func (m ResolutionMap) Lookup(key canon.Key) (any, bool) {
	env, ok := m[key]
	if !ok || env == nil {
		return nil, false
	}
	return env, true
}

// Failures counts entries that describe transport failures.
func (m ResolutionMap) Failures() int {
	n := 0
	for _, env := range m {
		if env.Failed() {
			n++
		}
	}
	return n
}
