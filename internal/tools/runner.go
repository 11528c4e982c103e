package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// driverScript loads one tool module by path, calls main(**inputs) with the
// filtered inputs read from stdin, and prints the stringified result. It
// runs in a fresh interpreter per invocation so a misbehaving tool cannot
// poison the next call.
const driverScript = `
import importlib.util, json, sys
spec = importlib.util.spec_from_file_location("flux_tool", sys.argv[1])
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
inputs = json.load(sys.stdin)
result = mod.main(**inputs)
sys.stdout.write("" if result is None else str(result))
`

// PythonRunner executes tool modules as python3 subprocesses. Timeouts kill
// the process group; the abandoned process never reports back.
type PythonRunner struct {
	python string
}

// NewPythonRunner creates a runner using the given interpreter binary.
func NewPythonRunner(python string) *PythonRunner {
	if python == "" {
		python = "python3"
	}
	return &PythonRunner{python: python}
}

// Run executes the tool and returns its stdout. Deadline expiry maps to
// ErrTimeout so the registry can surface the timeout protocol string.
func (p *PythonRunner) Run(ctx context.Context, tool *Tool, inputs map[string]any) (string, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("tools: encode inputs: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.python, "-c", driverScript, tool.Path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ErrTimeout
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("tools: %s: %s", tool.Filename, lastLine(detail))
	}
	return stdout.String(), nil
}

// lastLine trims a Python traceback down to its final message.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
