package buffer

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out fixed-size copy buffers for relaying upstream bodies.
// Buffers come from valyala/bytebufferpool.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
	inUse      atomic.Int64
}

// NewBufferPool creates a pool of buffers holding bufferSize bytes each.
func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		pool:       &bytebufferpool.Pool{},
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer whose B slice has length bufferSize.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	bp.inUse.Add(1)
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	bp.inUse.Add(-1)
	buf.Reset()
	bp.pool.Put(buf)
}

// InUse reports how many buffers are currently checked out.
func (bp *BufferPool) InUse() int64 {
	return bp.inUse.Load()
}

// ErrClientWrite marks a copy that stopped because the downstream writer failed.
var ErrClientWrite = errors.New("client write failed")

// Copy pipes src into dst using a pooled buffer, flushing after every chunk
// when dst supports it. The returned error wraps ErrClientWrite when the
// failure was on the write side; a clean EOF returns nil.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		n, rerr := src.Read(buf.B)
		if n > 0 {
			wn, werr := dst.Write(buf.B[:n])
			written += int64(wn)
			if werr != nil {
				return written, errors.Join(ErrClientWrite, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
