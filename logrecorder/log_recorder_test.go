package logrecorder

import (
	"encoding/csv"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LoveWonYoung/vxlcan/vector"
)

func TestMakeDir(t *testing.T) {
	base := t.TempDir()
	dir, err := MakeDir(base)
	if err != nil {
		t.Fatalf("MakeDir failed: %v", err)
	}
	if filepath.Dir(dir) != base {
		t.Errorf("Expected directory under %s, got %s", base, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory not created: %v", err)
	}
	again, err := MakeDir(base)
	if err != nil || again != dir {
		t.Errorf("Second call should reuse %s, got %s (%v)", dir, again, err)
	}
}

func TestRecorder(t *testing.T) {
	r, err := InitAndRotate(t.TempDir(), "xlcan", 0)
	if err != nil {
		t.Fatalf("InitAndRotate failed: %v", err)
	}
	path := r.Path()
	if !strings.HasPrefix(filepath.Base(path), "xlcan") || !strings.HasSuffix(path, ".log") {
		t.Errorf("Unexpected log path %s", path)
	}
	log.Printf("[vector] bus active")
	r.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[vector] bus active") {
		t.Errorf("Log line missing from %q", data)
	}
	if r.Path() != "" {
		t.Error("Path should be empty after Close")
	}
}

func TestRecorder_Rotation(t *testing.T) {
	r, err := InitAndRotate(t.TempDir(), "rot", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("InitAndRotate failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	r.Close()
	if r.Path() != "" {
		t.Error("Expected file closed")
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestFrameRecorder(t *testing.T) {
	dir := t.TempDir()
	r := NewFrameRecorder(dir, "trace", 2)
	ts := time.Date(2025, 4, 25, 10, 0, 0, 0, time.UTC)
	frames := []vector.Frame{
		{ID: 0x123, Rx: true, Channel: 0, Timestamp: ts, Data: []byte{1, 2}},
		{ID: 0x18DAF110, Extended: true, FD: true, BitrateSwitch: true, Channel: 1, Data: make([]byte, 12)},
		{ID: 0x7FF, Remote: true, Rx: true},
	}
	for _, f := range frames {
		if err := r.Record(f); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	r.Close()

	files := r.Files()
	if len(files) != 2 {
		t.Fatalf("Expected rotation into 2 files, got %d", len(files))
	}
	rows := readCSV(t, files[0])
	if len(rows) != 3 {
		t.Fatalf("Expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("Missing header: %v", rows[0])
	}
	first := rows[1]
	if first[0] != "2025-04-25T10:00:00Z" || first[2] != "rx" || first[3] != "0x123" || first[11] != "0102" {
		t.Errorf("Unexpected first row %v", first)
	}
	second := rows[2]
	if second[2] != "tx" || second[4] != "1" || second[7] != "1" || second[8] != "1" || second[10] != "12" {
		t.Errorf("Unexpected second row %v", second)
	}
	if rows := readCSV(t, files[1]); len(rows) != 2 || rows[1][5] != "1" {
		t.Errorf("Unexpected second file %v", rows)
	}
}
