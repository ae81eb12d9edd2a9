// Package artifact copies files from a model run's output directory to a
// local directory or an S3 bucket.
package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Sink receives run files.
type Sink interface {
	// Put stores body under name. size is -1 when unknown.
	Put(ctx context.Context, name string, body io.Reader, size int64) error

	// Location describes where name is stored, for display.
	Location(name string) string

	Close() error
}

// Destination is a parsed --dest value.
type Destination struct {
	Kind SinkKind

	// Path is the root directory for file sinks.
	Path string

	// Bucket and Prefix are set for s3 sinks.
	Bucket string
	Prefix string
}

// ParseDestination parses "s3://bucket/prefix" or a local directory path.
func ParseDestination(dest string) (Destination, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Destination{}, fmt.Errorf("destination is required")
	}

	rest, ok := strings.CutPrefix(dest, "s3://")
	if !ok {
		return Destination{Kind: SinkFile, Path: dest}, nil
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Destination{}, fmt.Errorf("s3 destination %q has no bucket", dest)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return Destination{Kind: SinkS3, Bucket: bucket, Prefix: prefix}, nil
}

// Open creates the sink for dest. base supplies endpoint and credential
// settings for s3 destinations; its Bucket and Prefix are overridden.
func Open(ctx context.Context, dest string, base S3Config) (Sink, error) {
	d, err := ParseDestination(dest)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case SinkS3:
		base.Bucket = d.Bucket
		base.Prefix = d.Prefix
		return NewS3Sink(ctx, base)
	default:
		return NewFileSink(d.Path)
	}
}

// cleanName validates a run-relative file name and returns it with forward
// slashes.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", ErrInvalidName
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidName
		}
	}
	return name, nil
}
