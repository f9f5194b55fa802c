package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nefit-easy-connector/internal/model"
)

// DefaultFilePath is used when the file block is present without a path.
const DefaultFilePath = "/var/nefit-easy/status.log"

// File overwrites a single file with the latest status on every publish.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a file channel. An empty path leaves the channel unavailable.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Name() string    { return "file" }
func (f *File) Available() bool { return f.path != "" }
func (f *File) End() error      { return nil }

func (f *File) Publish(_ context.Context, status *model.StatusRecord) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return &PublishError{Channel: f.Name(), Op: "publish", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return &PublishError{Channel: f.Name(), Op: "publish", Err: err}
	}
	if err := os.WriteFile(f.path, append(data, '\n'), 0o644); err != nil {
		return &PublishError{Channel: f.Name(), Op: "publish", Err: fmt.Errorf("write %s: %w", f.path, err)}
	}
	return nil
}

func (f *File) ImportHistory(context.Context, *model.HistoryRecord) error {
	return ErrNotSupported
}
