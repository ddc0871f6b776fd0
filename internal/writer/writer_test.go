package writer_test

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/observer-core/internal/writer"
)

func TestStream_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s, err := writer.NewStream(dir, "events", 0, nil)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := <-s.Enqueue([]byte(`{"seq":` + itoa(i) + `}`)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
}

func TestStream_NeverReordersWithinStream(t *testing.T) {
	dir := t.TempDir()
	s, err := writer.NewStream(dir, "events", 0, nil)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	const n = 200
	dones := make([]<-chan error, n)
	for i := 0; i < n; i++ {
		dones[i] = s.Enqueue([]byte(`{"i":` + itoa(i) + `}`))
	}
	for i := 0; i < n; i++ {
		if err := <-dones[i]; err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	got := 0
	for scanner.Scan() {
		want := `{"i":` + itoa(got) + `}`
		if scanner.Text() != want {
			t.Fatalf("line %d = %q, want %q (order violated)", got, scanner.Text(), want)
		}
		got++
	}
	if got != n {
		t.Fatalf("got %d lines, want %d", got, n)
	}
}

func TestStream_RotatesOnSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	// Small threshold forces rotation after a couple of records.
	s, err := writer.NewStream(dir, "cot", 64, nil)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if err := <-s.Enqueue([]byte(`{"padding":"0123456789012345678901234567890"}`)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce multiple files, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "cot-") || !strings.HasSuffix(e.Name(), ".jsonl") {
			t.Fatalf("unexpected file name %q", e.Name())
		}
	}
}

func TestStream_ActiveFileTracksRotation(t *testing.T) {
	dir := t.TempDir()
	s, err := writer.NewStream(dir, "events", 32, nil)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Close()

	first := s.ActiveFile()
	if first == "" {
		t.Fatal("expected non-empty active file after open")
	}

	for i := 0; i < 5; i++ {
		<-s.Enqueue([]byte(`{"padding":"01234567890123456789"}`))
	}
	time.Sleep(10 * time.Millisecond)

	if s.ActiveFile() == "" {
		t.Fatal("expected active file to remain set after rotation")
	}
}

func TestManager_WriteMetricsMirror(t *testing.T) {
	dir := t.TempDir()
	m, err := writer.NewManager(dir, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	m.WriteMetricsMirror(map[string]interface{}{"taskSuccessRate": 1.0})

	data, err := os.ReadFile(filepath.Join(dir, "metrics.json"))
	if err != nil {
		t.Fatalf("read metrics.json: %v", err)
	}
	if !strings.Contains(string(data), "taskSuccessRate") {
		t.Fatalf("metrics.json missing expected field: %s", data)
	}
}

func TestManager_SeparateStreamsForEventsAndCoT(t *testing.T) {
	dir := t.TempDir()
	m, err := writer.NewManager(dir, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := <-m.Events.Enqueue([]byte(`{"kind":"event"}`)); err != nil {
		t.Fatalf("events enqueue: %v", err)
	}
	if err := <-m.CoT.Enqueue([]byte(`{"kind":"cot"}`)); err != nil {
		t.Fatalf("cot enqueue: %v", err)
	}

	if !strings.HasPrefix(m.Events.ActiveFile(), "events-") {
		t.Fatalf("events active file = %q, want events- prefix", m.Events.ActiveFile())
	}
	if !strings.HasPrefix(m.CoT.ActiveFile(), "cot-") {
		t.Fatalf("cot active file = %q, want cot- prefix", m.CoT.ActiveFile())
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
