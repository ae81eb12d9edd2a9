package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSink writes run files under a local root directory.
type FileSink struct {
	root string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates root if needed.
func NewFileSink(root string) (*FileSink, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &SinkError{Op: "New", Sink: SinkFile, Dest: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, wrapFileError("New", abs, "", err)
	}
	return &FileSink{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *FileSink) Root() string {
	return s.root
}

// Put writes to a temporary file and renames it into place, so a failed
// copy never leaves a truncated file behind.
func (s *FileSink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	_ = size
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(name)
	if err != nil {
		return &SinkError{Op: "Put", Sink: SinkFile, Dest: s.root, Key: name, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return wrapFileError("Put", s.root, name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".learnlab-pull-*")
	if err != nil {
		return wrapFileError("Put", s.root, name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return wrapFileError("Put", s.root, name, err)
	}
	if err := tmp.Close(); err != nil {
		return wrapFileError("Put", s.root, name, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return wrapFileError("Put", s.root, name, err)
	}
	return nil
}

func (s *FileSink) Location(name string) string {
	full, err := s.path(name)
	if err != nil {
		return filepath.Join(s.root, name)
	}
	return full
}

func (s *FileSink) Close() error { return nil }

func (s *FileSink) path(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func wrapFileError(op, root, key string, err error) error {
	wrapped := &SinkError{Op: op, Sink: SinkFile, Dest: root, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}
