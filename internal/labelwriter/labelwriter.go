// Package labelwriter persists the label artifact of one run.
package labelwriter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/andresmejia3/proctor/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSerialization is matched by every *SerializationError.
var ErrSerialization = errors.New("label artifact not written")

// SerializationError reports a failed artifact write. The previous artifact,
// if any, is left untouched.
type SerializationError struct {
	Path string
	Op   string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("write labels %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// Write replaces the artifact at path with records. The file is written next
// to the target and renamed over it, so readers see either the old artifact
// or the complete new one.
func Write(path string, records []types.LabeledFrameRecord) error {
	if records == nil {
		records = []types.LabeledFrameRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return &SerializationError{Path: path, Op: "encode", Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &SerializationError{Path: path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &SerializationError{Path: path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &SerializationError{Path: path, Op: op, Err: err}
	}

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &SerializationError{Path: path, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &SerializationError{Path: path, Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &SerializationError{Path: path, Op: "rename", Err: err}
	}
	return nil
}

// Read loads an artifact. A missing file is an empty artifact.
func Read(path string) ([]types.LabeledFrameRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []types.LabeledFrameRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return records, nil
}

// Index maps frame names to their predicted labels.
func Index(records []types.LabeledFrameRecord) map[string]types.FrameLabel {
	m := make(map[string]types.FrameLabel, len(records))
	for _, r := range records {
		m[r.FrameName] = r.PredictedLabel
	}
	return m
}
