package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "records.jsonl")
}

func TestAppendAndReadAll(t *testing.T) {
	path := testPath(t)

	for i := 0; i < 3; i++ {
		record := map[string]any{"id": fmt.Sprintf("rec_%d", i), "n": i}
		if err := Append(path, record); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ReadAll() returned %d records, want 3", len(records))
	}
	if records[0]["id"] != "rec_0" || records[2]["id"] != "rec_2" {
		t.Errorf("records out of order: %v", records)
	}
}

func TestReadAll_MissingFile(t *testing.T) {
	records, err := ReadAll(testPath(t))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if records != nil {
		t.Errorf("expected nil for missing file, got %v", records)
	}
}

func TestReadAll_SkipsCorruptLines(t *testing.T) {
	path := testPath(t)
	content := `{"id":"good_1"}` + "\n" + "{not json\n" + `{"id":"good_2"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	records, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (corrupt line skipped)", len(records))
	}
}

func TestUpdate_PatchesMatchingRecord(t *testing.T) {
	path := testPath(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := Append(path, map[string]any{"id": id, "status": "captured"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := Update(path, "b", map[string]any{"status": "researched", "extra": 7}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	record, err := FindByID(path, "b")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if record["status"] != "researched" {
		t.Errorf("status = %v, want researched", record["status"])
	}
	if record["extra"] != float64(7) {
		t.Errorf("extra = %v, want 7", record["extra"])
	}

	// Neighbors untouched.
	for _, id := range []string{"a", "c"} {
		r, err := FindByID(path, id)
		if err != nil {
			t.Fatal(err)
		}
		if r["status"] != "captured" {
			t.Errorf("record %s status = %v, want captured", id, r["status"])
		}
	}
}

func TestUpdate_NotFoundLeavesFileUntouched(t *testing.T) {
	path := testPath(t)
	if err := Append(path, map[string]any{"id": "only"}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)

	err := Update(path, "missing", map[string]any{"status": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("file changed despite failed update")
	}
}

func TestUpdate_PreservesUnparsableLines(t *testing.T) {
	path := testPath(t)
	content := `{"id":"a","status":"captured"}` + "\n" + "garbage line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Update(path, "a", map[string]any{"status": "resolved"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "garbage line") {
		t.Error("unparsable line lost during rewrite")
	}
}

func TestFindByID_NotFound(t *testing.T) {
	path := testPath(t)
	if err := Append(path, map[string]any{"id": "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := FindByID(path, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestAppend_ConcurrentWritersLoseNothing(t *testing.T) {
	path := testPath(t)
	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				record := map[string]any{"id": fmt.Sprintf("w%d_r%d", w, i)}
				if err := Append(path, record); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	records, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != writers*perWriter {
		t.Errorf("got %d records, want %d (lost or torn writes)", len(records), writers*perWriter)
	}

	seen := map[any]bool{}
	for _, r := range records {
		if seen[r["id"]] {
			t.Errorf("duplicate record %v", r["id"])
		}
		seen[r["id"]] = true
	}
}

func TestRewriteLocked_ReplacesAtomically(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte("old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := WithLock(path, func() error {
		return RewriteLocked(path, "new content\n")
	})
	if err != nil {
		t.Fatalf("RewriteLocked() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "new content\n" {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp sibling left behind")
	}
}
