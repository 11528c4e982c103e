// Package scheduler runs persistent one-shot and recurring tasks on a
// minute tick, with a JSON-backed task file and bounded execution history.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flux/internal/observability"
)

// Entry types.
const (
	TypeOnce      = "once"
	TypeRecurring = "recurring"
)

// maxHistory bounds the retained execution records.
const maxHistory = 100

// ErrEntryNotFound is returned for unknown entry IDs.
var ErrEntryNotFound = errors.New("scheduler: entry not found")

// Task is the action an entry performs when due.
type Task struct {
	// Action is "prompt" (run Content through the engine) or "tool"
	// (invoke ToolName with ToolArgs).
	Action   string         `json:"action"`
	Content  string         `json:"content,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// Entry is one scheduled task.
type Entry struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Cron        string     `json:"cron,omitempty"`
	RunAt       *time.Time `json:"run_at,omitempty"`
	Task        Task       `json:"task"`
	Description string     `json:"description,omitempty"`
	Enabled     bool       `json:"enabled"`
	NextRun     *time.Time `json:"next_run,omitempty"`
}

// ExecutionRecord is one completed run.
type ExecutionRecord struct {
	EntryID     string    `json:"entry_id"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Executor runs a due task. The server wires this to the conversation
// engine and the tool registry.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) { return f(ctx, task) }

// state is the persisted JSON shape.
type state struct {
	Entries []Entry           `json:"entries"`
	History []ExecutionRecord `json:"history"`
}

// Scheduler owns the task file and the tick loop.
type Scheduler struct {
	mu       sync.Mutex
	path     string
	entries  map[string]*Entry
	history  []ExecutionRecord
	executor Executor
	logger   *observability.Logger
	now      func() time.Time
}

// New loads (or initialises) the scheduler state file.
func New(path string, executor Executor, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Scheduler{
		path:     path,
		entries:  map[string]*Entry{},
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// AddOnce schedules a single execution at runAt.
func (s *Scheduler) AddOnce(runAt time.Time, task Task, description string) (*Entry, error) {
	runAt = runAt.UTC()
	entry := &Entry{
		ID:          uuid.NewString(),
		Type:        TypeOnce,
		RunAt:       &runAt,
		Task:        task,
		Description: description,
		Enabled:     true,
		NextRun:     &runAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return entry, s.save()
}

// AddRecurring schedules a cron-driven entry.
func (s *Scheduler) AddRecurring(cronExpr string, task Task, description string) (*Entry, error) {
	schedule, err := ParseCron(cronExpr)
	if err != nil {
		return nil, err
	}
	next := schedule.Next(s.now().UTC())
	entry := &Entry{
		ID:          uuid.NewString(),
		Type:        TypeRecurring,
		Cron:        cronExpr,
		Task:        task,
		Description: description,
		Enabled:     true,
	}
	if !next.IsZero() {
		entry.NextRun = &next
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return entry, s.save()
}

// Remove deletes an entry.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(s.entries, id)
	return s.save()
}

// SetEnabled toggles an entry. Re-enabling a recurring entry recomputes
// its next run.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Enabled = enabled
	if enabled && entry.Type == TypeRecurring {
		if schedule, err := ParseCron(entry.Cron); err == nil {
			if next := schedule.Next(s.now().UTC()); !next.IsZero() {
				entry.NextRun = &next
			}
		}
	}
	return s.save()
}

// List returns entries sorted by next run, soonest first.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRun, out[j].NextRun
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out
}

// History returns the retained execution records, newest first.
func (s *Scheduler) History() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Run ticks once per minute until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes every enabled entry whose next run is not in the future,
// then recomputes schedules and persists. Returns the number executed.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, entry := range s.entries {
		if entry.Enabled && entry.NextRun != nil && !entry.NextRun.After(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.execute(ctx, entry, now)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(due) > 0 {
		if err := s.save(); err != nil {
			s.logger.Error(ctx, "scheduler state save failed", "error", err.Error())
		}
	}
	return len(due)
}

// execute runs one entry and reschedules or retires it.
func (s *Scheduler) execute(ctx context.Context, entry *Entry, now time.Time) {
	started := s.now().UTC()
	output, err := s.executor.Execute(ctx, entry.Task)

	record := ExecutionRecord{
		EntryID:     entry.ID,
		Description: entry.Description,
		StartedAt:   started,
		Duration:    s.now().UTC().Sub(started).Round(time.Millisecond).String(),
		Output:      truncate(output, 1024),
	}
	if err != nil {
		record.Error = err.Error()
		s.logger.Warn(ctx, "scheduled task failed", "entry_id", entry.ID, "error", err.Error())
	} else {
		s.logger.Info(ctx, "scheduled task executed", "entry_id", entry.ID, "description", entry.Description)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]ExecutionRecord{record}, s.history...)
	if len(s.history) > maxHistory {
		s.history = s.history[:maxHistory]
	}

	switch entry.Type {
	case TypeOnce:
		entry.Enabled = false
		entry.NextRun = nil
	case TypeRecurring:
		entry.NextRun = nil
		if schedule, parseErr := ParseCron(entry.Cron); parseErr == nil {
			if next := schedule.Next(now); !next.IsZero() {
				entry.NextRun = &next
			}
		}
	}
}

func (s *Scheduler) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scheduler: read %s: %w", s.path, err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("scheduler: parse %s: %w", s.path, err)
	}
	for i := range st.Entries {
		entry := st.Entries[i]
		s.entries[entry.ID] = &entry
	}
	s.history = st.History
	return nil
}

// save persists entries and history. Caller holds the mutex.
func (s *Scheduler) save() error {
	st := state{Entries: make([]Entry, 0, len(s.entries)), History: s.history}
	for _, entry := range s.entries {
		st.Entries = append(st.Entries, *entry)
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].ID < st.Entries[j].ID })

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
