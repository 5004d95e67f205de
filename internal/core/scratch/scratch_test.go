package scratch

import (
	"os"
	"testing"
)

func TestCreateListRemove(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	dir, err := m.Create("sess-1", "downloads")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("scratch dir not on disk: %v", err)
	}

	// Creating the same kind twice returns the same directory.
	again, err := m.Create("sess-1", "downloads")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if again != dir {
		t.Errorf("second Create returned %q, want %q", again, dir)
	}

	if err := os.WriteFile(dir+"/file.bin", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := m.List("sess-1", "downloads")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("List returned %d files, want 1", len(files))
	}

	m.Remove("sess-1")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir survived Remove: %v", err)
	}
}

func TestRemoveOnlyOwnSession(t *testing.T) {
	t.Parallel()

	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	mine, _ := m.Create("mine", "downloads")
	theirs, _ := m.Create("theirs", "downloads")

	m.Remove("mine")
	if _, err := os.Stat(mine); !os.IsNotExist(err) {
		t.Error("own scratch dir survived")
	}
	if _, err := os.Stat(theirs); err != nil {
		t.Errorf("another session's scratch dir removed: %v", err)
	}
}
