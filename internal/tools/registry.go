package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/flux/internal/llm"
	"github.com/haasonsaas/flux/internal/observability"
)

// Literal strings surfaced to the LLM as tool_result content. The Korean
// text is protocol-visible and must stay byte-exact.
const (
	ErrToolTimeout = "Error: 도구 실행 타임아웃"
	ErrToolFailure = "Error: 도구 실행 실패"

	outputOpen  = "[TOOL OUTPUT]"
	outputClose = "[/TOOL OUTPUT]"
)

// ErrTimeout is returned by runners when a tool exceeds its deadline.
var ErrTimeout = errors.New("tools: execution timed out")

// Runner executes a registered tool out of process.
type Runner interface {
	Run(ctx context.Context, tool *Tool, inputs map[string]any) (string, error)
}

// Tool is one registered tool module that passed every gate.
type Tool struct {
	Filename string
	Path     string
	Hash     string
	Schema   *Schema
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Dir     string
	Timeout time.Duration
	Runner  Runner
	Logger  *observability.Logger
}

// Registry scans a directory of single-file tool modules, applies the
// security gate pipeline to every newly-seen file, and executes approved
// tools with a timeout. Reloads are full: any filename or mtime change
// rebuilds the whole set atomically.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	timeout   time.Duration
	runner    Runner
	approvals *ApprovalStore
	logger    *observability.Logger

	mtimes   map[string]time.Time
	tools    map[string]*Tool  // keyed by SCHEMA.name
	rejected map[string]string // filename → rejection reason
}

// NewRegistry creates a registry over cfg.Dir. Call ReloadIfChanged to
// perform the initial scan.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout < time.Second {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewPythonRunner("python3")
	}
	return &Registry{
		dir:       cfg.Dir,
		timeout:   timeout,
		runner:    runner,
		approvals: NewApprovalStore(cfg.Dir),
		logger:    logger,
		mtimes:    map[string]time.Time{},
		tools:     map[string]*Tool{},
		rejected:  map[string]string{},
	}
}

// Approvals exposes the hash approval store for CLI management.
func (r *Registry) Approvals() *ApprovalStore {
	return r.approvals
}

// ReloadIfChanged rescans the tool directory and, when any file was added,
// removed, or modified, rebuilds the registry from scratch. Returns whether
// a reload happened.
func (r *Registry) ReloadIfChanged(ctx context.Context) (bool, error) {
	current, err := r.scanMtimes()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if mtimesEqual(r.mtimes, current) {
		return false, nil
	}

	tools := map[string]*Tool{}
	rejected := map[string]string{}
	for filename := range current {
		tool, err := r.loadTool(filename)
		if err != nil {
			rejected[filename] = err.Error()
			r.logger.Warn(ctx, "tool rejected", "file", filename, "reason", err.Error())
			continue
		}
		if prev, ok := tools[tool.Schema.Name]; ok {
			rejected[filename] = fmt.Sprintf("tools: name %q already provided by %s", tool.Schema.Name, prev.Filename)
			continue
		}
		tools[tool.Schema.Name] = tool
	}

	r.mtimes = current
	r.tools = tools
	r.rejected = rejected
	r.logger.Info(ctx, "tool registry reloaded", "loaded", len(tools), "rejected", len(rejected))
	return true, nil
}

// loadTool runs one file through gates 1-6. Gate 5 is non-interactive here:
// an unapproved or stale hash rejects the file until `flux tools approve`
// records it.
func (r *Registry) loadTool(filename string) (*Tool, error) {
	if err := CheckFilename(filename); err != nil {
		return nil, err
	}
	path := filepath.Join(r.dir, filename)
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tools: read %s: %w", filename, err)
	}
	if err := ScanSource(source); err != nil {
		return nil, err
	}
	hash := HashSource(source)
	approved, err := r.approvals.IsApproved(filename, hash)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, fmt.Errorf("tools: %s is not approved at hash %s", filename, hash[:12])
	}
	schema, err := ExtractSchema(source)
	if err != nil {
		return nil, err
	}
	return &Tool{Filename: filename, Path: path, Hash: hash, Schema: schema}, nil
}

func (r *Registry) scanMtimes() (map[string]time.Time, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("tools: scan %s: %w", r.dir, err)
	}
	mtimes := map[string]time.Time{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtimes[entry.Name()] = info.ModTime()
	}
	return mtimes, nil
}

func mtimesEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !b[k].Equal(v) {
			return false
		}
	}
	return true
}

// Schemas returns the provider-facing schemas of every registered tool,
// sorted by name.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema.ToolSchema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Rejected returns the filenames that failed a gate on the last reload and
// why, for status surfaces.
func (r *Registry) Rejected() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.rejected))
	for k, v := range r.rejected {
		out[k] = v
	}
	return out
}

// Invoke filters inputs against the tool's schema, executes the tool with
// the registry timeout, and returns the marker-wrapped output. Failures are
// reported as the literal protocol strings rather than Go errors so the
// content can flow straight into a tool_result block.
func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any) string {
	tool, ok := r.Get(name)
	if !ok {
		return ErrToolFailure
	}

	filtered := FilterInput(inputs, tool.Schema.InputSchema)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	output, err := r.runner.Run(runCtx, tool, filtered)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn(ctx, "tool timed out", "tool", name, "timeout", r.timeout.String())
			return ErrToolTimeout
		}
		r.logger.Warn(ctx, "tool failed", "tool", name, "error", err.Error())
		return ErrToolFailure
	}
	return WrapOutput(output)
}

// WrapOutput neutralises any literal output markers inside payload and
// wraps it, so a tool cannot forge the boundary the LLM sees.
func WrapOutput(payload string) string {
	payload = strings.ReplaceAll(payload, outputOpen, "[TOOL_OUTPUT]")
	payload = strings.ReplaceAll(payload, outputClose, "[/TOOL_OUTPUT]")
	return outputOpen + payload + outputClose
}

// FilterInput drops keys the schema does not declare and values whose JSON
// type does not satisfy the declared property type. The tool only ever sees
// the surviving subset.
func FilterInput(inputs map[string]any, inputSchema map[string]any) map[string]any {
	props, _ := inputSchema["properties"].(map[string]any)
	filtered := map[string]any{}
	for key, value := range inputs {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || typeMatches(value, declared) {
			filtered[key] = value
		}
	}
	return filtered
}

// typeMatches checks a decoded JSON value against a JSON Schema primitive
// type name. Numbers arrive as float64 (or json.Number) after decoding.
func typeMatches(value any, declared string) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64:
			return true
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case "number":
		switch value.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
