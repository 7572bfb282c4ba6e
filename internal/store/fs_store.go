package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cwbudde/siftcl/internal/sift"
	"github.com/golang/snappy"
)

const (
	resultFile      = "result.json"
	descriptorsFile = "descriptors.snappy"
	descriptorSize  = 128
)

// FSStore implements the Store interface using filesystem-based persistence.
// Results are stored in a directory structure: <baseDir>/results/<id>/
//
// Thread-safety: every file is written to a temp file and renamed into
// place, so readers never observe partial files.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

func (fs *FSStore) resultsDir() string {
	return filepath.Join(fs.baseDir, "results")
}

func (fs *FSStore) resultDir(id string) string {
	return filepath.Join(fs.resultsDir(), id)
}

// resultFileJSON is the on-disk form of result.json.
type resultFileJSON struct {
	*Result
	Keypoints []sift.RawKeypoint `json:"keypoints"`
}

// Save atomically writes the result and its descriptors.
func (fs *FSStore) Save(r *Result) error {
	if r == nil {
		return errors.New("result cannot be nil")
	}
	if err := checkID(r.ID); err != nil {
		return err
	}

	dir := fs.resultDir(r.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}

	raw := make([]sift.RawKeypoint, len(r.Keypoints))
	desc := make([]byte, 0, descriptorSize*len(r.Keypoints))
	for i, k := range r.Keypoints {
		raw[i] = k.Raw()
		desc = append(desc, k.Desc[:]...)
	}

	data, err := json.MarshalIndent(resultFileJSON{Result: r, Keypoints: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}

	// Descriptors first, so a visible result.json always has them.
	if err := writeAtomic(filepath.Join(dir, descriptorsFile), snappy.Encode(nil, desc)); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, resultFile), data); err != nil {
		return err
	}

	slog.Debug("Result saved", "id", r.ID, "keypoints", len(r.Keypoints), "path", dir)
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it into
// place.
func writeAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads the result with its keypoints and descriptors.
func (fs *FSStore) Load(id string) (*Result, error) {
	r, raw, err := fs.loadMeta(id)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(filepath.Join(fs.resultDir(id), descriptorsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptors: %w", err)
	}
	desc, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress descriptors: %w", err)
	}
	if len(desc) != descriptorSize*len(raw) {
		return nil, fmt.Errorf("descriptor file holds %d bytes, want %d for %d keypoints",
			len(desc), descriptorSize*len(raw), len(raw))
	}

	r.Keypoints = make([]sift.Keypoint, len(raw))
	for i, k := range raw {
		r.Keypoints[i] = sift.Keypoint{X: k.X, Y: k.Y, Scale: k.Scale, Angle: k.Angle}
		copy(r.Keypoints[i].Desc[:], desc[descriptorSize*i:])
	}

	slog.Debug("Result loaded", "id", id, "keypoints", len(raw))
	return r, nil
}

// loadMeta reads result.json only.
func (fs *FSStore) loadMeta(id string) (*Result, []sift.RawKeypoint, error) {
	if err := checkID(id); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(filepath.Join(fs.resultDir(id), resultFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, &NotFoundError{ID: id}
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to read result file: %w", err)
	}
	file := resultFileJSON{Result: &Result{}}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to deserialize result: %w", err)
	}
	return file.Result, file.Keypoints, nil
}

// List returns metadata for all stored results, newest first.
func (fs *FSStore) List() ([]ResultInfo, error) {
	entries, err := os.ReadDir(fs.resultsDir())
	if errors.Is(err, os.ErrNotExist) {
		return []ResultInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read results directory: %w", err)
	}

	infos := []ResultInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, raw, err := fs.loadMeta(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue // Skip directories without result.json
		}
		if err != nil {
			slog.Warn("Failed to load result for listing", "id", entry.Name(), "error", err)
			continue
		}
		info := r.ToInfo()
		info.Keypoints = len(raw)
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b ResultInfo) int { return b.Timestamp.Compare(a.Timestamp) })

	slog.Debug("Listed results", "count", len(infos))
	return infos, nil
}

// Delete removes the result directory.
func (fs *FSStore) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	dir := fs.resultDir(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{ID: id}
	} else if err != nil {
		return fmt.Errorf("failed to stat result directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove result directory: %w", err)
	}
	slog.Debug("Result deleted", "id", id, "path", dir)
	return nil
}

// checkID rejects ids that would escape the results directory.
func checkID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
