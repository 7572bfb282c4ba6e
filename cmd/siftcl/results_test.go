package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/cwbudde/siftcl/internal/store"
)

func TestSelectResultsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	infos := []store.ResultInfo{
		{ID: "r1", Timestamp: now.AddDate(0, 0, -10)}, // 10 days old
		{ID: "r2", Timestamp: now.AddDate(0, 0, -5)},  // 5 days old
		{ID: "r3", Timestamp: now.AddDate(0, 0, -1)},  // 1 day old
		{ID: "r4", Timestamp: now.AddDate(0, 0, -30)}, // 30 days old
	}

	toDelete := selectResultsForDeletion(infos, 0, 7, now)
	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 results to delete, got %d", len(toDelete))
	}
	// Oldest first.
	if toDelete[0].ID != "r4" || toDelete[1].ID != "r1" {
		t.Errorf("Expected r4 and r1, got %s and %s", toDelete[0].ID, toDelete[1].ID)
	}
}

func TestSelectResultsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	infos := []store.ResultInfo{
		{ID: "r1", Timestamp: now.AddDate(0, 0, -10)},
		{ID: "r2", Timestamp: now.AddDate(0, 0, -5)},
		{ID: "r3", Timestamp: now.AddDate(0, 0, -1)},
		{ID: "r4", Timestamp: now.AddDate(0, 0, -30)},
	}

	toDelete := selectResultsForDeletion(infos, 2, 0, now)
	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 results to delete, got %d", len(toDelete))
	}
	if toDelete[0].ID != "r4" || toDelete[1].ID != "r1" {
		t.Errorf("Expected the oldest two (r4, r1), got %s and %s", toDelete[0].ID, toDelete[1].ID)
	}
}

func TestSelectResultsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := []store.ResultInfo{
		{ID: "r1", Timestamp: now.AddDate(0, 0, -10)},
		{ID: "r2", Timestamp: now.AddDate(0, 0, -5)},
		{ID: "r3", Timestamp: now.AddDate(0, 0, -1)},
	}

	// r1 is too old, r2 falls outside the newest one; no duplicates.
	toDelete := selectResultsForDeletion(infos, 1, 7, now)
	if len(toDelete) != 2 {
		t.Fatalf("Expected 2 results to delete, got %d", len(toDelete))
	}
	for _, info := range toDelete {
		if info.ID == "r3" {
			t.Error("Newest result must be kept")
		}
	}
}

func TestSelectResultsForDeletion_NothingToDo(t *testing.T) {
	now := time.Now()
	infos := []store.ResultInfo{{ID: "r1", Timestamp: now}}
	if got := selectResultsForDeletion(infos, 5, 7, now); len(got) != 0 {
		t.Errorf("Expected nothing to delete, got %v", got)
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	content := []byte("Hello, World!")
	if err := os.WriteFile(filepath.Join(tmpDir, "test.txt"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	sub := filepath.Join(tmpDir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "more.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size != int64(2*len(content)) {
		t.Errorf("Expected size %d, got %d", 2*len(content), size)
	}

	if _, err := getDirSize(filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{" y \n", true},
		{"n\n", false},
		{"yes\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(tt.input), &out, "ok? "); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if out.String() != "ok? " {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

// saveResults stores one result per timestamp in an indexed store under dir.
func saveResults(t *testing.T, dir string, stamps ...time.Time) []string {
	t.Helper()
	fs, err := store.NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	idx, err := store.OpenIndexed(fs, filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Failed to open index: %v", err)
	}
	defer idx.Close()

	kps := []sift.Keypoint{{X: 1, Y: 2, Scale: 3, Angle: 0.5}}
	var ids []string
	for i, ts := range stamps {
		id := "result-" + string(rune('a'+i))
		r := store.NewResult(id, sift.Shape{Width: 64, Height: 48}, kps, []int{1},
			store.RunConfig{Source: "img/" + id + ".png", Params: sift.DefaultParams()})
		r.Timestamp = ts
		if err := idx.Save(r); err != nil {
			t.Fatalf("Failed to save result: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestResultsListCommand_NoResults(t *testing.T) {
	out, err := executeCommand(t, "results", "list", "--data-dir", t.TempDir())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out, "No results found.") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestResultsListCommand_WithResults(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()
	saveResults(t, tmpDir, now.Add(-time.Hour), now)

	out, err := executeCommand(t, "results", "list", "--data-dir", tmpDir)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out, "Total results: 2") {
		t.Errorf("missing total:\n%s", out)
	}
	// Newest first.
	if strings.Index(out, "result-b") > strings.Index(out, "result-a") {
		t.Errorf("results not ordered newest first:\n%s", out)
	}

	out, err = executeCommand(t, "results", "list", "--data-dir", tmpDir, "--source", "result-a")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Total results: 1") || strings.Contains(out, "result-b") {
		t.Errorf("source filter not applied:\n%s", out)
	}
}

func TestResultsShowCommand(t *testing.T) {
	tmpDir := t.TempDir()
	ids := saveResults(t, tmpDir, time.Now())

	out, err := executeCommand(t, "results", "show", ids[0], "--data-dir", tmpDir)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, `"id": "result-a"`) || !strings.Contains(out, `"keypoints"`) {
		t.Errorf("unexpected output:\n%s", out)
	}

	_, err = executeCommand(t, "results", "show", "missing", "--data-dir", tmpDir)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("show missing = %v, want ErrNotFound", err)
	}
}

func TestResultsCleanCommand_NoFlags(t *testing.T) {
	_, err := executeCommand(t, "results", "clean", "--data-dir", t.TempDir())
	if err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestResultsCleanCommand_WithForce(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()
	ids := saveResults(t, tmpDir, now.AddDate(0, 0, -30), now)

	out, err := executeCommand(t, "results", "clean", "--data-dir", tmpDir, "--older-than", "7", "--force")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out, "Deleted 1 result(s), 0 failed.") {
		t.Errorf("unexpected output:\n%s", out)
	}

	fs, err := store.NewFSStore(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load(ids[0]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old result should be deleted, Load = %v", err)
	}
	if _, err := fs.Load(ids[1]); err != nil {
		t.Errorf("new result should be kept: %v", err)
	}
}

func TestResultsReindexCommand(t *testing.T) {
	tmpDir := t.TempDir()
	saveResults(t, tmpDir, time.Now(), time.Now())

	out, err := executeCommand(t, "results", "reindex", "--data-dir", tmpDir)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if !strings.Contains(out, "Indexed 2 result(s).") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
