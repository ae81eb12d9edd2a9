package labclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func runPath(runID string, suffix string) string {
	return "/training/run/" + url.PathEscape(runID) + suffix
}

func requireRunID(op, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return &APIError{Op: op, Err: fmt.Errorf("%w: run id is required", ErrBadRequest)}
	}
	return nil
}

// GetRun fetches the run snapshot, including persisted analysis results and
// cleaning report.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunSnapshot, error) {
	if err := requireRunID("GetRun", runID); err != nil {
		return nil, err
	}
	var snap RunSnapshot
	err := c.do(ctx, request{
		op: "GetRun", runID: runID, method: http.MethodGet,
		path: runPath(runID, ""), auth: true,
	}, &snap)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetResults fetches final metrics, the educational summary and the list of
// files in the run's output directory.
func (c *Client) GetResults(ctx context.Context, runID string) (*RunResults, error) {
	if err := requireRunID("GetResults", runID); err != nil {
		return nil, err
	}
	var wire runResultsWire
	err := c.do(ctx, request{
		op: "GetResults", runID: runID, method: http.MethodGet,
		path: runPath(runID, "/results"), auth: true,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return &RunResults{
		Run:     wire.Run,
		Metrics: wire.Results.Metrics,
		Summary: wire.Results.Summary,
		Files:   wire.Results.Files,
	}, nil
}

// StartAnalysis requests the analysis stage. The backend accepts it only
// from PENDING_ANALYSIS or ANALYSIS_FAILED (ErrConflict otherwise).
func (c *Client) StartAnalysis(ctx context.Context, runID string) (*StartResponse, error) {
	return c.start(ctx, "StartAnalysis", runID, "/analyze", nil)
}

// StartCleaning requests the cleaning stage with the given options. The
// backend accepts it only from SUCCESS or CLEANING_FAILED.
func (c *Client) StartCleaning(ctx context.Context, runID string, opts CleanOptions) (*StartResponse, error) {
	if err := opts.Validate(); err != nil {
		return nil, &APIError{Op: "StartCleaning", RunID: runID, Err: fmt.Errorf("%w: %v", ErrBadRequest, err)}
	}
	return c.start(ctx, "StartCleaning", runID, "/clean", opts)
}

// StartTraining requests the training stage with user hyperparameters. The
// backend accepts it only from SUCCESS, CLEANING_SUCCESS or FAILED.
func (c *Client) StartTraining(ctx context.Context, runID string, params map[string]any) (*StartResponse, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.start(ctx, "StartTraining", runID, "/train", params)
}

func (c *Client) start(ctx context.Context, op, runID, suffix string, body any) (*StartResponse, error) {
	if err := requireRunID(op, runID); err != nil {
		return nil, err
	}
	if body == nil {
		body = struct{}{}
	}
	var out StartResponse
	err := c.do(ctx, request{
		op: op, runID: runID, method: http.MethodPost,
		path: runPath(runID, suffix), body: body, auth: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenFile streams a file from the run's output directory. The caller
// closes the returned reader.
func (c *Client) OpenFile(ctx context.Context, runID, filename string) (io.ReadCloser, int64, error) {
	if err := requireRunID("OpenFile", runID); err != nil {
		return nil, 0, err
	}
	if filename == "" || strings.Contains(filename, "..") || strings.HasPrefix(filename, "/") {
		return nil, 0, &APIError{Op: "OpenFile", RunID: runID, Err: fmt.Errorf("%w: invalid filename %q", ErrBadRequest, filename)}
	}

	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(filename, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}

	resp, err := c.send(ctx, request{
		op: "OpenFile", runID: runID, method: http.MethodGet,
		path: runPath(runID, "/file/"+strings.Join(escaped, "/")), auth: true, stream: true,
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}
