package prefs

import (
	"encoding/json"
	"errors"
	"io/fs"
	"testing"
)

type memStorage struct {
	data []byte
}

func (m *memStorage) Read() ([]byte, error) {
	if m.data == nil {
		return nil, fs.ErrNotExist
	}
	return m.data, nil
}

func (m *memStorage) Write(data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

func TestOpenMissingGivesDefaults(t *testing.T) {
	s, err := Open(&memStorage{})
	if err != nil {
		t.Fatalf("missing document should not error: %v", err)
	}
	doc := s.Get()
	if doc.Version != SchemaVersion || doc.ActiveSection != "dashboard" {
		t.Fatalf("unexpected defaults: %+v", doc)
	}
	if doc.SavedPrompts == nil || len(doc.SavedPrompts) != 0 {
		t.Fatalf("expected empty prompt list, got %v", doc.SavedPrompts)
	}
}

func TestOpenCorruptDocument(t *testing.T) {
	s, err := Open(&memStorage{data: []byte("{not json")})
	var cle *ConfigLoadError
	if !errors.As(err, &cle) {
		t.Fatalf("expected *ConfigLoadError, got %v", err)
	}
	if got := s.Get(); got.ActiveSection != "dashboard" {
		t.Fatalf("corrupt load should fall back to defaults, got %+v", got)
	}
}

func TestOpenStaleVersionDiscarded(t *testing.T) {
	old, _ := json.Marshal(Document{Version: SchemaVersion - 1, ActiveSection: "images"})
	s, err := Open(&memStorage{data: old})
	var cle *ConfigLoadError
	if !errors.As(err, &cle) {
		t.Fatalf("expected *ConfigLoadError, got %v", err)
	}
	if got := s.Get(); got.ActiveSection != "dashboard" {
		t.Fatalf("stale version should not survive load, got %+v", got)
	}
}

func TestOpenCurrentVersionRoundTrip(t *testing.T) {
	mem := &memStorage{}
	s, err := Open(mem)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetActiveSection("budget"); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePrompt("Build a to-do app"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(mem)
	if err != nil {
		t.Fatal(err)
	}
	doc := reopened.Get()
	if doc.ActiveSection != "budget" {
		t.Fatalf("active section not persisted: %+v", doc)
	}
	if len(doc.SavedPrompts) != 1 || doc.SavedPrompts[0] != "Build a to-do app" {
		t.Fatalf("prompts not persisted: %+v", doc.SavedPrompts)
	}
}

func TestSavePromptDedupes(t *testing.T) {
	s, _ := Open(&memStorage{})
	for i := 0; i < 3; i++ {
		if err := s.SavePrompt("same"); err != nil {
			t.Fatal(err)
		}
	}
	if got := s.Get().SavedPrompts; len(got) != 1 {
		t.Fatalf("expected single saved prompt, got %v", got)
	}
}

func TestSortedPromptsNewestFirst(t *testing.T) {
	s, _ := Open(&memStorage{})
	for _, p := range []string{"first", "second", "third"} {
		if err := s.SavePrompt(p); err != nil {
			t.Fatal(err)
		}
	}
	got := s.SortedPrompts()
	want := []string{"third", "second", "first"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order wrong: %v", got)
		}
	}
	// Re-saving an old prompt bumps it to the front.
	if err := s.SavePrompt("first"); err != nil {
		t.Fatal(err)
	}
	if got := s.SortedPrompts(); got[0] != "first" || len(got) != 3 {
		t.Fatalf("re-save did not bump: %v", got)
	}
}

func TestDeletePrompt(t *testing.T) {
	s, _ := Open(&memStorage{})
	_ = s.SavePrompt("keep")
	_ = s.SavePrompt("drop")
	if err := s.DeletePrompt("drop"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePrompt("never-existed"); err != nil {
		t.Fatal(err)
	}
	if got := s.Get().SavedPrompts; len(got) != 1 || got[0] != "keep" {
		t.Fatalf("unexpected prompts after delete: %v", got)
	}
}

func TestFileStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsys := NewFileStorage(dir)
	s, err := Open(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetDeveloper(DeveloperToggle{ShowRawEvents: true}); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(NewFileStorage(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Get().Developer.ShowRawEvents {
		t.Fatal("developer toggle not persisted")
	}
}
