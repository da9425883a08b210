package fetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"replay-sandbox/internal/canon"
)

// NewRequest converts a traced call into an outbound request. Recognized
// options are method (default GET), headers and body; anything else is
// ignored but still part of the call's key.
func NewRequest(call canon.Call) (*Request, error) {
	req := &Request{
		Method: http.MethodGet,
		URL:    call.Target,
		Header: make(http.Header),
	}

	if m, ok := call.Options["method"]; ok && m != nil {
		s, ok := m.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("options.method must be a non-empty string")
		}
		req.Method = strings.ToUpper(strings.TrimSpace(s))
	}

	if h, ok := call.Options["headers"]; ok && h != nil {
		headers, ok := h.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("options.headers must be an object")
		}
		for k, v := range headers {
			req.Header.Set(k, headerValue(v))
		}
	}

	if b, ok := call.Options["body"]; ok && b != nil {
		switch body := b.(type) {
		case string:
			req.Body = []byte(body)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encoding options.body: %w", err)
			}
			req.Body = raw
			if req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", "application/json")
			}
		}
	}

	return req, nil
}

func headerValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}

// NewEnvelope converts a response into the guest-visible shape. Bodies that
// parse as JSON become structured data; anything else is returned as text.
func NewEnvelope(resp *Response) *Envelope {
	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}

	var data any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		data = string(resp.Body)
	}

	return &Envelope{
		OK:         resp.Status >= 200 && resp.Status < 300,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    headers,
		Data:       data,
	}
}
