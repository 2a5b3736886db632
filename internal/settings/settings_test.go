package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

func TestLoad_MissingFileKeepsBuiltins(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	defs := s.Snapshot()
	if defs.SelectedFamily != domain.FamilyFlux || defs.Steps != 32 || defs.Guidance != 3.5 {
		t.Fatalf("builtin defaults wrong: %+v", defs)
	}
}

func TestLoad_FileOverridesAndUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	content := `{
  "selected_family": "sdxl",
  "default_sdxl_guidance": 6.0,
  "default_batch_size": 2,
  "users": {"user-1": {"remix_mode": true}}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	defs := s.Snapshot()
	if defs.SelectedFamily != domain.FamilySDXL || defs.GuidSDXL != 6.0 || defs.BatchSize != 2 {
		t.Fatalf("file values not applied: %+v", defs)
	}
	// Unspecified fields keep their builtin values.
	if defs.SDXLSteps != 26 || defs.UpscaleFactor != 1.85 {
		t.Fatalf("builtins lost on partial file: %+v", defs)
	}
	if !s.User("user-1").RemixMode {
		t.Fatal("user prefs not loaded")
	}
	if s.User("user-2").RemixMode {
		t.Fatal("unknown user should be zero-valued")
	}
}

func TestLoad_InvalidFileKeepsPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewStore(path)

	if err := os.WriteFile(path, []byte(`{"default_mp_size": 99}`), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if err := s.Load(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if s.Snapshot().MPSize != 1.0 {
		t.Fatal("rejected load mutated the snapshot")
	}
}

func TestReplace_Validates(t *testing.T) {
	s := NewStore("")

	bad := BuiltinDefaults()
	bad.BatchSize = 20
	if err := s.Replace(bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	good := BuiltinDefaults()
	good.Guidance = 4.0
	if err := s.Replace(good); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.Snapshot().Guidance != 4.0 {
		t.Fatal("replace did not take effect")
	}
}

func TestModelFor(t *testing.T) {
	defs := BuiltinDefaults()
	if defs.ModelFor(domain.FamilyFlux) != defs.ModelFlux {
		t.Fatal("wrong flux model")
	}
	if defs.ModelFor(domain.FamilySDXL) != defs.ModelSDXL {
		t.Fatal("wrong sdxl model")
	}
}

func TestUserPrefsRoundTrip(t *testing.T) {
	s := NewStore("")
	s.SetUser("user-9", UserPrefs{RemixMode: true})
	if !s.User("user-9").RemixMode {
		t.Fatal("user prefs not stored")
	}
}
