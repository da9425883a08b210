package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeout    time.Duration
	inputsJSON string
	inputsFile string
	stream     bool
	status     string
	limit      int
)

// errFailed signals a non-2xx response that has already been printed.
var errFailed = errors.New("request failed")

func main() {
	root := &cobra.Command{
		Use:           "replay-cli",
		Short:         "CLI client for replay-sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("REPLAY_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REPLAY_API_KEY"), "API key")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "HTTP client timeout")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a script (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addExecFlags(execCmd)
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a script from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addExecFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	// List executions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions from the audit log",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (immediate, replayed, failed)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	root.AddCommand(listCmd)

	// Get one execution
	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one execution from the audit log",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "INPUTS as a JSON object")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "Read INPUTS from a JSON file")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream phase events")
	cmd.MarkFlagsMutuallyExclusive("inputs", "inputs-file")
}

func runExec(_ *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		// Read from stdin
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func executeCode(code string) error {
	inputs, err := loadInputs(inputsJSON, inputsFile)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"code": code, "inputs": inputs})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	path := "/execute"
	if stream {
		path = "/execute/stream"
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if stream && resp.StatusCode == http.StatusOK {
		return printEvents(resp.Body, os.Stdout)
	}
	return printResponse(resp)
}

// loadInputs returns the INPUTS object from a flag value or file. Neither
// set means no inputs.
func loadInputs(raw, file string) (map[string]any, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading inputs file: %w", err)
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("inputs must be a JSON object: %w", err)
	}
	return inputs, nil
}

// printEvents prints each SSE event as "<event> <data>" and fails if the
// stream ended with an error event.
func printEvents(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var event string
	var data []string
	failed := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && event != "":
			fmt.Fprintf(w, "%-6s %s\n", event, strings.Join(data, "\n"))
			if event == "error" {
				failed = true
			}
			event, data = "", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if failed {
		return errFailed
	}
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequest(http.MethodGet, serverURL+"/executions?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func runGet(_ *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/executions/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	resp, err := do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func do(req *http.Request) (*http.Response, error) {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// printResponse pretty-prints a JSON body and returns errFailed for
// non-2xx statuses.
func printResponse(resp *http.Response) error {
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errFailed
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
