package buffer

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsSizedBuffer(t *testing.T) {
	bp := NewBufferPool(1024)

	buf := bp.Get()
	assert.Len(t, buf.B, 1024)
	assert.EqualValues(t, 1, bp.InUse())

	bp.Put(buf)
	assert.EqualValues(t, 0, bp.InUse())

	again := bp.Get()
	assert.Len(t, again.B, 1024)
	bp.Put(again)
}

func TestCopyFlushesAndCounts(t *testing.T) {
	bp := NewBufferPool(4)
	rec := httptest.NewRecorder()

	n, err := bp.Copy(rec, strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.EqualValues(t, 0, bp.InUse())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestCopyReportsClientWriteFailure(t *testing.T) {
	bp := NewBufferPool(8)

	_, err := bp.Copy(failingWriter{}, strings.NewReader("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientWrite)
}

type errReader struct{ err error }

func (r errReader) Read(p []byte) (int, error) { return 0, r.err }

func TestCopyReturnsReadError(t *testing.T) {
	bp := NewBufferPool(8)
	readErr := errors.New("reset by peer")

	_, err := bp.Copy(&bytes.Buffer{}, errReader{err: readErr})
	assert.ErrorIs(t, err, readErr)
	assert.NotErrorIs(t, err, ErrClientWrite)

	n, err := bp.Copy(&bytes.Buffer{}, io.LimitReader(strings.NewReader("abc"), 0))
	assert.NoError(t, err)
	assert.Zero(t, n)
}
