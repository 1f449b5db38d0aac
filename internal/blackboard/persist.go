package blackboard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

func (b *Blackboard) load() (State, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		if b.state.Context != nil {
			return b.state, nil
		}
		return emptyState(time.Now().UTC()), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read blackboard state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("blackboard state corrupted: %w", err)
	}
	if st.Context == nil {
		st.Context = map[string]interface{}{}
	}
	if st.Results == nil {
		st.Results = map[string]PhaseResult{}
	}
	if st.Errors == nil {
		st.Errors = []ErrorEntry{}
	}
	return st, nil
}

func (b *Blackboard) save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal blackboard state: %w", err)
	}
	path := filepath.Join(b.dir, stateFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write blackboard state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename blackboard state: %w", err)
	}
	return nil
}

func (b *Blackboard) appendHistory(e HistoryEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(b.dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// readHistory returns the last limit decodable entries. Malformed lines
// (for example a torn final write) are skipped.
func readHistory(path string, limit int) ([]HistoryEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	out := []HistoryEntry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// copyState deep-copies st through its JSON form, which is also how it is
// persisted, so in-memory and on-disk values have the same shape.
func copyState(st State) State {
	data, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return st
	}
	if out.Context == nil {
		out.Context = map[string]interface{}{}
	}
	if out.Results == nil {
		out.Results = map[string]PhaseResult{}
	}
	if out.Errors == nil {
		out.Errors = []ErrorEntry{}
	}
	return out
}

func lookup(st State, key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, false
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, false
	}
	var cur interface{} = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(st *State, key string, value interface{}) error {
	value, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: value for %s: %v", ErrInvalidKey, key, err)
	}
	switch key {
	case "current_plan_id", "current_phase", "current_step_id", "current_actor":
		s, ok := value.(string)
		if value != nil && !ok {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidKey, key)
		}
		switch key {
		case "current_plan_id":
			st.CurrentPlanID = s
		case "current_phase":
			st.CurrentPhase = s
		case "current_step_id":
			st.CurrentStepID = s
		case "current_actor":
			st.CurrentActor = s
		}
		return nil
	}

	parts := strings.Split(strings.TrimPrefix(key, "context."), ".")
	target := st.Context
	for _, part := range parts[:len(parts)-1] {
		next, exists := target[part]
		if !exists {
			m := map[string]interface{}{}
			target[part] = m
			target = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s is not an object", ErrInvalidKey, part)
		}
		target = m
	}
	target[parts[len(parts)-1]] = value
	return nil
}

// normalize converts value into its JSON-decoded form.
func normalize(value interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
