// Package state provides the filesystem-backed project manifest.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Project is one saved schema, keyed by the hash of its content. Saving
// the same schema twice updates the existing entry in place.
type Project struct {
	Hash      string          `json:"hash"`
	Name      string          `json:"name"`
	Prompt    string          `json:"prompt,omitempty"`
	Schema    json.RawMessage `json:"schema"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HashSchema returns the content key for a schema document.
func HashSchema(schema []byte) string {
	sum := sha256.Sum256(schema)
	return hex.EncodeToString(sum[:])
}

// ProjectStore is a JSON-file-backed store for projects.
type ProjectStore struct {
	path string
	mu   sync.RWMutex
}

// NewProjectStore creates a new file-backed ProjectStore at the given file path.
func NewProjectStore(path string) *ProjectStore {
	return &ProjectStore{path: path}
}

// List returns all projects, newest first. Returns an empty slice if the
// file doesn't exist.
func (s *ProjectStore) List() ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects, err := s.load()
	if err != nil {
		return nil, err
	}
	if projects == nil {
		return []*Project{}, nil
	}
	return projects, nil
}

// Get finds a project by content hash. Returns an error if not found.
func (s *ProjectStore) Get(hash string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, p := range projects {
		if p.Hash == hash {
			return p, nil
		}
	}
	return nil, fmt.Errorf("project not found: %s", hash)
}

// Save upserts a project keyed by its schema content hash and returns
// the stored entry.
func (s *ProjectStore) Save(name, prompt string, schema json.RawMessage) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.load()
	if err != nil {
		return nil, err
	}

	hash := HashSchema(schema)
	now := time.Now()

	for _, existing := range projects {
		if existing.Hash == hash {
			if name != "" {
				existing.Name = name
			}
			if prompt != "" {
				existing.Prompt = prompt
			}
			existing.UpdatedAt = now
			if err := s.save(projects); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	project := &Project{
		Hash:      hash,
		Name:      name,
		Prompt:    prompt,
		Schema:    schema,
		CreatedAt: now,
		UpdatedAt: now,
	}
	projects = append([]*Project{project}, projects...)
	if err := s.save(projects); err != nil {
		return nil, err
	}
	return project, nil
}

// Remove deletes a project by hash. Returns an error if not found.
func (s *ProjectStore) Remove(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.load()
	if err != nil {
		return err
	}

	for i, p := range projects {
		if p.Hash == hash {
			projects = append(projects[:i], projects[i+1:]...)
			return s.save(projects)
		}
	}
	return fmt.Errorf("project not found: %s", hash)
}

// load reads the JSON file and returns the project list. Returns nil if
// the file doesn't exist.
func (s *ProjectStore) load() ([]*Project, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects file: %w", err)
	}

	var projects []*Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("unmarshal projects: %w", err)
	}
	return projects, nil
}

// save writes the project list to disk using atomic write (temp file + rename).
func (s *ProjectStore) save(projects []*Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal projects: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create projects dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp projects file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp projects file: %w", err)
	}
	return nil
}
