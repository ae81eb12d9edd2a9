package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultSpoolMemoryBytes is the largest upload body held in memory. Larger
// or unknown-size bodies are spooled to a temp file.
const DefaultSpoolMemoryBytes int64 = 16 << 20 // 16 MiB

// spooledBody is a seekable copy of an upload body.
type spooledBody struct {
	reader  io.ReadSeeker
	size    int64
	cleanup func() error
}

func (b *spooledBody) Close() error {
	if b.cleanup == nil {
		return nil
	}
	return b.cleanup()
}

// spool makes src seekable so the SDK can sign the payload and retry the
// PUT. Bodies up to maxMemoryBytes stay in memory.
func spool(src io.Reader, size, maxMemoryBytes int64) (*spooledBody, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMemoryBytes
	}

	if size >= 0 && size <= maxMemoryBytes {
		// A wrong Content-Length must not grow the buffer past the cap.
		data, err := io.ReadAll(io.LimitReader(src, maxMemoryBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) <= maxMemoryBytes {
			return &spooledBody{reader: bytes.NewReader(data), size: int64(len(data))}, nil
		}
		src = io.MultiReader(bytes.NewReader(data), src)
	}

	f, err := os.CreateTemp("", "learnlab-upload-*")
	if err != nil {
		return nil, err
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	n, err := io.Copy(f, src)
	if err != nil {
		discard()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, err
	}

	return &spooledBody{
		reader: f,
		size:   n,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close spool file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove spool file: %w", rmErr)
			}
			return nil
		},
	}, nil
}
