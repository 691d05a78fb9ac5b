package labelwriter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/proctor/internal/types"
)

func TestWriteReplacesPreviousArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predicted_labels.json")

	first := []types.LabeledFrameRecord{
		{FrameName: "a_frame0_t0.jpg", PredictedLabel: types.Cheating},
		{FrameName: "a_frame1_t1.jpg", PredictedLabel: types.NotCheating},
		{FrameName: "a_frame2_t2.jpg", PredictedLabel: types.Cheating},
	}
	if err := Write(path, first); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	second := []types.LabeledFrameRecord{
		{FrameName: "b_frame0_t0.jpg", PredictedLabel: types.NotCheating, LowConfidence: true},
	}
	if err := Write(path, second); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if len(got) != 1 || got[0] != second[0] {
		t.Errorf("artifact = %+v, want %+v", got, second)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the artifact in the directory, found %d entries", len(entries))
	}
}

func TestWriteSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	records := []types.LabeledFrameRecord{
		{FrameName: "v_frame0_t0.jpg", PredictedLabel: types.NotCheating, FrameIndex: 0, TimestampSec: 9},
	}
	if err := Write(path, records); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	s := string(data)
	if !strings.Contains(s, `"frame_name": "v_frame0_t0.jpg"`) || !strings.Contains(s, `"predicted_label": "NotCheating"`) {
		t.Errorf("unexpected artifact:\n%s", s)
	}
	if strings.Contains(s, "low_confidence") {
		t.Error("low_confidence should be omitted when false")
	}
	if strings.Contains(s, "9") || strings.Contains(strings.ToLower(s), "index") {
		t.Errorf("run position leaked into the artifact:\n%s", s)
	}
}

func TestWriteEmptyRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.json")
	if err := Write(path, nil); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("empty artifact = %q, want []", data)
	}
}

func TestWriteFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	// A directory where the artifact should go makes the rename fail
	path := filepath.Join(dir, "labels.json")
	if err := os.MkdirAll(filepath.Join(path, "child"), 0755); err != nil {
		t.Fatal(err)
	}

	err := Write(path, []types.LabeledFrameRecord{{FrameName: "x", PredictedLabel: types.Cheating}})
	if err == nil {
		t.Fatal("expected error")
	}
	var se *SerializationError
	if !errors.As(err, &se) || !errors.Is(err, ErrSerialization) {
		t.Errorf("error %v is not a SerializationError", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	records, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || len(records) != 0 {
		t.Errorf("Read() = %v, %v", records, err)
	}
}

func TestIndex(t *testing.T) {
	idx := Index([]types.LabeledFrameRecord{
		{FrameName: "a", PredictedLabel: types.Cheating},
		{FrameName: "b", PredictedLabel: types.NotCheating},
	})
	if idx["a"] != types.Cheating || idx["b"] != types.NotCheating || len(idx) != 2 {
		t.Errorf("Index() = %v", idx)
	}
}
