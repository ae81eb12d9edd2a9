package artifact

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpool_SmallBodyInMemory(t *testing.T) {
	b, err := spool(strings.NewReader("hello"), 5, 1024)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, isFile := b.reader.(*os.File)
	assert.False(t, isFile)
	assert.Equal(t, int64(5), b.size)

	data, err := io.ReadAll(b.reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSpool_LargeBodyToFile(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 64)
	b, err := spool(bytes.NewReader(payload), int64(len(payload)), 16)
	require.NoError(t, err)

	f, isFile := b.reader.(*os.File)
	require.True(t, isFile)
	assert.Equal(t, int64(64), b.size)

	data, err := io.ReadAll(b.reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	require.NoError(t, b.Close())
	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err), "spool file removed on close")
}

func TestSpool_UnknownOrWrongSize(t *testing.T) {
	payload := bytes.Repeat([]byte("b"), 40)

	b, err := spool(bytes.NewReader(payload), -1, 16)
	require.NoError(t, err)
	_, isFile := b.reader.(*os.File)
	assert.True(t, isFile, "unknown size spools to disk")
	assert.Equal(t, int64(40), b.size)
	require.NoError(t, b.Close())

	// The declared size fits in memory but the body does not.
	b, err = spool(bytes.NewReader(payload), 8, 16)
	require.NoError(t, err)
	data, err := io.ReadAll(b.reader)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(40), b.size)
	require.NoError(t, b.Close())
}
