package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadInputs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "inputs.json")
	if err := os.WriteFile(file, []byte(`{"x": 40, "y": 2}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		raw     string
		file    string
		wantX   any
		wantNil bool
		wantErr bool
	}{
		{"none", "", "", nil, true, false},
		{"flag", `{"x": 1}`, "", float64(1), false, false},
		{"file", "", file, float64(40), false, false},
		{"array", `[1, 2]`, "", nil, false, true},
		{"bad json", `{x}`, "", nil, false, true},
		{"missing file", "", filepath.Join(t.TempDir(), "nope.json"), nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadInputs(tt.raw, tt.file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if got["x"] != tt.wantX {
				t.Errorf("x = %v, want %v", got["x"], tt.wantX)
			}
		})
	}
}

func TestPrintEvents(t *testing.T) {
	stream := "event: phase\ndata: {\"state\":\"trace\"}\n\n" +
		"event: done\ndata: {\"result\":42}\n\n"

	var out bytes.Buffer
	if err := printEvents(strings.NewReader(stream), &out); err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "done") || !strings.Contains(lines[1], `{"result":42}`) {
		t.Errorf("done line = %q", lines[1])
	}
}

func TestPrintEvents_Error(t *testing.T) {
	stream := "event: error\ndata: {\"error\":\"ExecutionError\"}\n\n"
	err := printEvents(strings.NewReader(stream), &bytes.Buffer{})
	if !errors.Is(err, errFailed) {
		t.Errorf("err = %v, want errFailed", err)
	}
}
