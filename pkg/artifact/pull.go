package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/pkg/labclient"
)

// Source lists and streams a run's output files.
type Source interface {
	GetResults(ctx context.Context, runID string) (*labclient.RunResults, error)
	OpenFile(ctx context.Context, runID, filename string) (io.ReadCloser, int64, error)
}

var _ Source = (*labclient.Client)(nil)

// ErrInvalidPattern is returned when an include or exclude glob cannot be parsed.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Filter selects run files by doublestar glob. An empty Include selects
// every file; Exclude wins over Include.
type Filter struct {
	Include []string
	Exclude []string
}

// Validate checks every pattern.
func (f Filter) Validate() error {
	for _, p := range append(append([]string(nil), f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(normalizePattern(p)) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}
	return nil
}

// Match reports whether name passes the filter.
func (f Filter) Match(name string) bool {
	for _, p := range f.Exclude {
		if ok, _ := doublestar.Match(normalizePattern(p), name); ok {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if ok, _ := doublestar.Match(normalizePattern(p), name); ok {
			return true
		}
	}
	return false
}

func normalizePattern(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), "./")
}

// FileResult is the outcome for one run file.
type FileResult struct {
	Name     string
	Size     int64
	Location string
	Skipped  bool
	Err      error
}

// PullResult summarizes a pull.
type PullResult struct {
	RunID   string
	Files   []FileResult
	Copied  int
	Skipped int
	Failed  int
	Bytes   int64
}

// Err returns a joined error of every failed file, or nil.
func (r *PullResult) Err() error {
	var errs []error
	for _, f := range r.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errors.Join(errs...)
}

// Puller copies run files from a Source into a Sink.
type Puller struct {
	src    Source
	sink   Sink
	filter Filter
	logger *zap.Logger

	// OnFile is called after each file is handled.
	OnFile func(FileResult)
}

// NewPuller validates filter and returns a Puller. A nil logger discards logs.
func NewPuller(src Source, sink Sink, filter Filter, logger *zap.Logger) (*Puller, error) {
	if src == nil || sink == nil {
		return nil, errors.New("artifact: source and sink are required")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{src: src, sink: sink, filter: filter, logger: logger}, nil
}

// Pull copies the run's files. A failure to list the files is returned as
// the error; per-file failures are recorded in the result and do not stop
// the remaining copies. Cancelling ctx stops between files.
func (p *Puller) Pull(ctx context.Context, runID string) (*PullResult, error) {
	results, err := p.src.GetResults(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := &PullResult{RunID: runID}
	for _, name := range results.Files {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		fr := FileResult{Name: name}
		if !p.filter.Match(name) {
			fr.Skipped = true
			out.Skipped++
		} else {
			fr = p.copy(ctx, runID, name)
			if fr.Err != nil {
				out.Failed++
				p.logger.Warn("artifact copy failed", zap.String("run_id", runID), zap.String("file", name), zap.Error(fr.Err))
			} else {
				out.Copied++
				out.Bytes += fr.Size
				p.logger.Debug("artifact copied", zap.String("run_id", runID), zap.String("file", name), zap.Int64("bytes", fr.Size))
			}
		}

		out.Files = append(out.Files, fr)
		if p.OnFile != nil {
			p.OnFile(fr)
		}
	}
	return out, nil
}

func (p *Puller) copy(ctx context.Context, runID, name string) FileResult {
	fr := FileResult{Name: name, Location: p.sink.Location(name)}

	body, size, err := p.src.OpenFile(ctx, runID, name)
	if err != nil {
		fr.Err = err
		return fr
	}
	defer func() { _ = body.Close() }()

	counted := &countingReader{r: body}
	if err := p.sink.Put(ctx, name, counted, size); err != nil {
		fr.Err = err
		return fr
	}
	fr.Size = counted.n
	return fr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
