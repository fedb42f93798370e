// Package plans stores named sets of scheduled tasks as YAML files so a
// schedule built in one session can be replayed into another.
package plans

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrPlanNotFound is returned when loading an unknown plan.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrInvalidName is returned for plan names that are not safe file names.
	ErrInvalidName = errors.New("invalid plan name")
)

// safeNamePattern defines the allowed characters for plan names.
var safeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const fileExt = ".yaml"

// validateName validates that a name is safe to use as a file name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: name too long (max 128 characters)", ErrInvalidName)
	}
	if !safeNamePattern.MatchString(name) {
		return fmt.Errorf("%w %q: only alphanumeric, hyphens, and underscores allowed", ErrInvalidName, name)
	}
	return nil
}

// Entry is one task of a plan.
type Entry struct {
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
}

// Plan is a named list of tasks.
type Plan struct {
	Name          string    `yaml:"name"`
	SourceSession string    `yaml:"source_session,omitempty"`
	CreatedAt     time.Time `yaml:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at"`
	Tasks         []Entry   `yaml:"tasks"`
}

// Summary describes a stored plan.
type Summary struct {
	Name      string    `json:"name"`
	TaskCount int       `json:"task_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps plans in a directory, one YAML file per plan.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a plan store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("plans directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create plans directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

// Save writes the plan, replacing any plan with the same name. CreatedAt is
// kept from the previous version.
func (s *Store) Save(plan *Plan) error {
	if err := validateName(plan.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	plan.UpdatedAt = now
	if prev, err := s.read(plan.Name); err == nil {
		plan.CreatedAt = prev.CreatedAt
	} else if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}

	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tmp := s.path(plan.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	if err := os.Rename(tmp, s.path(plan.Name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace plan file: %w", err)
	}
	return nil
}

// Load reads a plan by name.
func (s *Store) Load(name string) (*Plan, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(name)
}

func (s *Store) read(name string) (*Plan, error) {
	// G304: path is built from a validated name
	data, err := os.ReadFile(s.path(name)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
		}
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", name, err)
	}
	plan.Name = name
	return &plan, nil
}

// List returns summaries of all readable plans ordered by name.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read plans directory: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		if validateName(name) != nil {
			continue
		}
		plan, err := s.read(name)
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			Name:      plan.Name,
			TaskCount: len(plan.Tasks),
			CreatedAt: plan.CreatedAt,
			UpdatedAt: plan.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// Delete removes a plan.
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, name)
		}
		return fmt.Errorf("remove plan file: %w", err)
	}
	return nil
}
