package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultChunkSize is the read size used when callers pass 0.
const DefaultChunkSize = 32 * 1024

// poolCap is the largest buffer kept in the pool; raw files routinely
// exceed it and are left to the GC.
const poolCap = 8 << 20

// ErrTooLarge reports a source file over the configured size limit.
var ErrTooLarge = errors.New("source file exceeds size limit")

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// AcquireBuffer returns a reset buffer from the pool.
func AcquireBuffer() *bytes.Buffer {
	b := bufPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// ReleaseBuffer returns b to the pool. Callers must not use b after this call.
func ReleaseBuffer(b *bytes.Buffer) {
	if b.Cap() > poolCap {
		return
	}
	bufPool.Put(b)
}

// DrainReader reads r to EOF into a pooled buffer, checking ctx between
// chunks. The caller owns the returned buffer; pass it back with
// ReleaseBuffer.
func DrainReader(ctx context.Context, r io.Reader, chunkSize int) (*bytes.Buffer, error) {
	return drainInto(ctx, AcquireBuffer(), r, chunkSize)
}

func drainInto(ctx context.Context, buf *bytes.Buffer, r io.Reader, chunkSize int) (*bytes.Buffer, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	for {
		if err := ctx.Err(); err != nil {
			ReleaseBuffer(buf)
			return nil, err
		}
		buf.Grow(chunkSize)
		n, err := r.Read(buf.AvailableBuffer()[:chunkSize])
		buf.Write(buf.AvailableBuffer()[:n])
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			ReleaseBuffer(buf)
			return nil, err
		}
	}
}

// ReadFile loads the source file at path. Files larger than maxBytes
// (0 = no limit) fail with ErrTooLarge, including files that grow past the
// limit while being read.
func ReadFile(ctx context.Context, path string, maxBytes int64, chunkSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := AcquireBuffer()
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		if maxBytes > 0 && fi.Size() > maxBytes {
			ReleaseBuffer(buf)
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, fi.Size(), maxBytes)
		}
		buf.Grow(int(fi.Size()) + 1)
	}

	var r io.Reader = f
	if maxBytes > 0 {
		r = &LimitedReader{R: f, Max: maxBytes}
	}
	buf, err = drainInto(ctx, buf, r, chunkSize)
	if err != nil {
		return nil, err
	}
	data := CloneBytes(buf.Bytes())
	ReleaseBuffer(buf)
	return data, nil
}

// LimitedReader reads at most Max bytes from R and fails with ErrTooLarge
// when R holds more.
type LimitedReader struct {
	R   io.Reader
	Max int64
	n   int64
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.Max <= 0 {
		return l.R.Read(p)
	}
	if l.n >= l.Max {
		var extra [1]byte
		if n, _ := l.R.Read(extra[:]); n == 0 {
			return 0, io.EOF
		}
		return 0, ErrTooLarge
	}
	if remain := l.Max - l.n; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := l.R.Read(p)
	l.n += int64(n)
	return n, err
}
