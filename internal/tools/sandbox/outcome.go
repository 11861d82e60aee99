package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

// harnessScript runs user code inside the container and prints the outcome
// envelope after outcomeSentinel.
//
//go:embed harness.py
var harnessScript []byte

const (
	harnessFileName = ".spectra_harness.py"
	codeFileName    = "main.py"
	workspaceDir    = "/workspace"
	outcomeSentinel = "__SPECTRA_OUTCOME__"
)

// ResultKind classifies one display result.
type ResultKind string

const (
	ResultText ResultKind = "text"
	ResultPNG  ResultKind = "png"
	ResultNone ResultKind = "none"
)

// ResultItem is one display value produced by executed code.
type ResultItem struct {
	Kind ResultKind `json:"kind"`
	Text string     `json:"text,omitempty"`
	PNG  string     `json:"png,omitempty"`
}

// RuntimeError describes an exception raised by executed code.
type RuntimeError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *RuntimeError) Error() string {
	return e.Name + ": " + e.Value
}

// ExecutionOutcome is everything one code execution produced.
type ExecutionOutcome struct {
	Stdout  []string      `json:"stdout"`
	Results []ResultItem  `json:"results"`
	Error   *RuntimeError `json:"error"`
}

// parseOutcome extracts the envelope from the container's stdout. Output
// printed before the sentinel by the interpreter itself is appended to
// Stdout so nothing is lost.
func parseOutcome(raw string) (*ExecutionOutcome, error) {
	idx := strings.LastIndex(raw, "\n"+outcomeSentinel+"\n")
	if idx < 0 {
		if strings.HasPrefix(raw, outcomeSentinel+"\n") {
			idx = -1
		} else {
			return nil, fmt.Errorf("sandbox produced no outcome envelope: %s", truncate(strings.TrimSpace(raw), 512))
		}
	}
	prefix := ""
	if idx >= 0 {
		prefix = raw[:idx]
	}
	body := raw[idx+len(outcomeSentinel)+2:]

	var outcome ExecutionOutcome
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &outcome); err != nil {
		return nil, fmt.Errorf("decode outcome envelope: %w", err)
	}
	if extra := strings.TrimSpace(prefix); extra != "" {
		outcome.Stdout = append(strings.Split(extra, "\n"), outcome.Stdout...)
	}
	for i := range outcome.Results {
		if outcome.Results[i].Kind == "" {
			outcome.Results[i].Kind = ResultNone
		}
	}
	return &outcome, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
