// Package usage persists per-user daily LLM consumption to usage_data.json
// and enforces daily spend and call limits.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrLimitExceeded is returned when a user is over a daily cap.
var ErrLimitExceeded = errors.New("usage: daily limit exceeded")

// DayUsage is one user's consumption on one calendar day.
type DayUsage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// fileData is the on-disk shape: date (YYYY-MM-DD) -> user_id -> usage.
type fileData map[string]map[string]*DayUsage

// Limits configures the per-user daily caps. Zero values disable a cap.
type Limits struct {
	DailyCostUSD float64
	DailyCalls   int
}

// Store tracks usage in a JSON file guarded by a lock file so concurrent
// processes (the server plus CLI invocations) do not clobber each other.
// In-process calls additionally serialize on a mutex.
type Store struct {
	mu     sync.Mutex
	path   string
	limits Limits
	now    func() time.Time
}

// NewStore creates a usage store backed by path (conventionally
// data/usage_data.json).
func NewStore(path string, limits Limits) *Store {
	return &Store{
		path:   path,
		limits: limits,
		now:    time.Now,
	}
}

// Record adds one LLM call's consumption to the current day's bucket for the
// user. The full file is re-read under the lock before updating, so external
// writers are not lost.
func (s *Store) Record(userID string, inputTokens, outputTokens int, costUSD float64) error {
	if userID == "" {
		userID = "default"
	}
	return s.update(func(data fileData) {
		day := s.today()
		if data[day] == nil {
			data[day] = make(map[string]*DayUsage)
		}
		u := data[day][userID]
		if u == nil {
			u = &DayUsage{}
			data[day][userID] = u
		}
		u.Calls++
		u.InputTokens += inputTokens
		u.OutputTokens += outputTokens
		u.CostUSD += costUSD
	})
}

// CheckDailyLimit returns ErrLimitExceeded when the user has already hit a
// cap for today. maxCalls is the user's own call cap; 0 falls back to the
// store-wide limit. The cost cap is always store-wide. Called before each
// LLM request.
func (s *Store) CheckDailyLimit(userID string, maxCalls int) error {
	if userID == "" {
		userID = "default"
	}
	if maxCalls <= 0 {
		maxCalls = s.limits.DailyCalls
	}
	u, err := s.Today(userID)
	if err != nil {
		return err
	}
	if s.limits.DailyCostUSD > 0 && u.CostUSD >= s.limits.DailyCostUSD {
		return fmt.Errorf("%w: $%.4f of $%.2f spent today", ErrLimitExceeded, u.CostUSD, s.limits.DailyCostUSD)
	}
	if maxCalls > 0 && u.Calls >= maxCalls {
		return fmt.Errorf("%w: %d of %d calls made today", ErrLimitExceeded, u.Calls, maxCalls)
	}
	return nil
}

// Today returns the user's consumption for the current day.
func (s *Store) Today(userID string) (DayUsage, error) {
	if userID == "" {
		userID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return DayUsage{}, err
	}
	if byUser := data[s.today()]; byUser != nil {
		if u := byUser[userID]; u != nil {
			return *u, nil
		}
	}
	return DayUsage{}, nil
}

// History returns the last n days of the user's consumption keyed by date.
func (s *Store) History(userID string, n int) (map[string]DayUsage, error) {
	if userID == "" {
		userID = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]DayUsage)
	for i := 0; i < n; i++ {
		day := s.now().AddDate(0, 0, -i).Format("2006-01-02")
		if byUser := data[day]; byUser != nil {
			if u := byUser[userID]; u != nil {
				out[day] = *u
			}
		}
	}
	return out, nil
}

// TotalsForDay sums all users' consumption on one date.
func (s *Store) TotalsForDay(day string) (DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return DayUsage{}, err
	}
	var total DayUsage
	for _, u := range data[day] {
		total.Calls += u.Calls
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CostUSD += u.CostUSD
	}
	return total, nil
}

func (s *Store) today() string {
	return s.now().Format("2006-01-02")
}

// update performs a locked read-modify-write of the usage file.
func (s *Store) update(mutate func(fileData)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireFileLock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.read()
	if err != nil {
		return err
	}
	mutate(data)
	return s.write(data)
}

func (s *Store) read() (fileData, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(fileData), nil
		}
		return nil, fmt.Errorf("usage: read %s: %w", s.path, err)
	}
	data := make(fileData)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("usage: parse %s: %w", s.path, err)
		}
	}
	return data, nil
}

// write replaces the file atomically via rename.
func (s *Store) write(data fileData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// lockStaleAfter is how old a lock file may be before it is considered
// abandoned by a crashed process and stolen.
const lockStaleAfter = 10 * time.Second

// acquireFileLock takes the cross-process lock file next to the data file.
func (s *Store) acquireFileLock() (func(), error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}

	deadline := s.now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("usage: lock %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("usage: timed out waiting for lock %s", lockPath)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
