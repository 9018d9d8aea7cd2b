// Package prefs persists per-user UI preferences as a single versioned
// JSON document. Loads tolerate corruption and stale versions by
// falling back to defaults and reporting what happened.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SchemaVersion is bumped whenever the document layout changes.
// Documents with a different version are discarded on load.
const SchemaVersion = 2

// Document is the persisted preference state.
type Document struct {
	Version       int             `json:"version"`
	ActiveSection string          `json:"active_section"`
	SavedPrompts  []string        `json:"saved_prompts"`
	Developer     DeveloperToggle `json:"developer"`
}

// DeveloperToggle holds debug switches hidden behind the developer view.
type DeveloperToggle struct {
	ShowRawEvents bool `json:"show_raw_events"`
	VerboseCosts  bool `json:"verbose_costs"`
}

// ConfigLoadError reports why a stored document was discarded. The
// caller still receives a usable default document alongside it.
type ConfigLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prefs: discarded %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("prefs: discarded %s: %s", e.Path, e.Reason)
}

func (e *ConfigLoadError) Unwrap() error { return e.Err }

// Storage abstracts where the document bytes live.
type Storage interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// FileStorage keeps the document in a file under the workspace.
type FileStorage struct {
	Path string
}

func NewFileStorage(workspace string) *FileStorage {
	return &FileStorage{Path: filepath.Join(workspace, "prefs.json")}
}

func (f *FileStorage) Read() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f *FileStorage) Write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// Store serializes access to the preference document.
type Store struct {
	mu      sync.Mutex
	backend Storage
	doc     Document
}

// Default returns a fresh document at the current schema version.
func Default() Document {
	return Document{
		Version:       SchemaVersion,
		ActiveSection: "dashboard",
		SavedPrompts:  []string{},
	}
}

// Open loads the stored document. A missing file yields defaults with
// no error; a corrupt or version-mismatched file yields defaults plus
// a *ConfigLoadError so the caller can surface the discard.
func Open(backend Storage) (*Store, error) {
	s := &Store{backend: backend, doc: Default()}
	data, err := backend.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, &ConfigLoadError{Path: pathOf(backend), Reason: "read failed", Err: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return s, &ConfigLoadError{Path: pathOf(backend), Reason: "invalid json", Err: err}
	}
	if doc.Version != SchemaVersion {
		return s, &ConfigLoadError{
			Path:   pathOf(backend),
			Reason: fmt.Sprintf("schema version %d, want %d", doc.Version, SchemaVersion),
		}
	}
	if doc.SavedPrompts == nil {
		doc.SavedPrompts = []string{}
	}
	s.doc = doc
	return s, nil
}

func pathOf(backend Storage) string {
	if f, ok := backend.(*FileStorage); ok {
		return f.Path
	}
	return "(prefs)"
}

// Get returns a copy of the current document.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.SavedPrompts = append([]string(nil), s.doc.SavedPrompts...)
	return doc
}

// SetActiveSection records the last viewed dashboard section.
func (s *Store) SetActiveSection(section string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ActiveSection = section
	return s.flush()
}

// SetDeveloper replaces the developer toggles.
func (s *Store) SetDeveloper(t DeveloperToggle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Developer = t
	return s.flush()
}

// SavePrompt stores a prompt for reuse. Saving an existing prompt
// moves it to the most-recent position instead of duplicating it.
func (s *Store) SavePrompt(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.SavedPrompts[:0]
	for _, p := range s.doc.SavedPrompts {
		if p != prompt {
			kept = append(kept, p)
		}
	}
	s.doc.SavedPrompts = append(kept, prompt)
	return s.flush()
}

// DeletePrompt removes a saved prompt. Unknown prompts are a no-op.
func (s *Store) DeletePrompt(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.SavedPrompts[:0]
	for _, p := range s.doc.SavedPrompts {
		if p != prompt {
			kept = append(kept, p)
		}
	}
	s.doc.SavedPrompts = kept
	return s.flush()
}

// SortedPrompts returns saved prompts newest first.
func (s *Store) SortedPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.doc.SavedPrompts))
	for i, p := range s.doc.SavedPrompts {
		out[len(out)-1-i] = p
	}
	return out
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	return s.backend.Write(data)
}
