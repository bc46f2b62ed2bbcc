package migrate

import (
	"io/fs"
	"path/filepath"
	"testing"
)

func TestNewUsesEmbeddedMigrations(t *testing.T) {
	runner, err := New("postgres://localhost/test", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	matches, err := fs.Glob(runner.fsys, runner.dir+"/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected embedded migrations")
	}
}

func TestNewRejectsMissingInputs(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := New("postgres://localhost/test", filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestNewReadsMigrationsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	runner, err := New("postgres://localhost/test", dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if runner.dir != "." {
		t.Fatalf("unexpected dir %q", runner.dir)
	}
}
