// Package store keeps meeting tasks as JSON documents on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"meeting-pipeline-go/internal/types"
)

var ErrTaskNotFound = errors.New("task not found")

// JSONStore holds every task in memory and mirrors each one to
// <dir>/<id>.json.
type JSONStore struct {
	dir   string
	mu    sync.RWMutex
	tasks map[string]types.Task
	now   func() time.Time
}

// Open loads all task documents under dir, creating it if needed.
func Open(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &JSONStore{
		dir:   dir,
		tasks: make(map[string]types.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var t types.Task
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if t.ID == "" {
			continue
		}
		s.tasks[t.ID] = t
	}
	return s, nil
}

// SaveTask inserts or replaces the task and stamps UpdatedAt.
func (s *JSONStore) SaveTask(t types.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	if err := s.write(t); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	return nil
}

// GetTask returns a copy of one task.
func (s *JSONStore) GetTask(id string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.Task{}, ErrTaskNotFound
	}
	return t, nil
}

// LoadTasks lists all tasks, newest first.
func (s *JSONStore) LoadTasks() ([]types.Task, error) {
	s.mu.RLock()
	out := make([]types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *JSONStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	delete(s.tasks, id)
	return nil
}

func (s *JSONStore) UpdateTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Title = title
	t.UpdatedAt = s.now()
	if err := s.write(t); err != nil {
		return err
	}
	s.tasks[id] = t
	return nil
}

func (s *JSONStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

// write must be called with mu held.
func (s *JSONStore) write(t types.Task) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	p := s.path(t.ID)
	tmp := fmt.Sprintf("%s.tmp.%d", p, os.Getpid())
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename task %s: %w", t.ID, err)
	}
	return nil
}
