package pool

import (
	"bytes"
	"sync"
)

// maxPooledBuffer bounds the capacity of buffers kept for reuse. Status
// replies are a few hundred bytes, anything much larger is dropped.
const maxPooledBuffer = 16 * 1024

var bufferPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 512)) },
}

// GetBuffer returns an empty buffer from the pool.
//
// Return back the buffer to the pool with PutBuffer.
func GetBuffer() *bytes.Buffer {
	buf, _ := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	return buf
}

// PutBuffer returns buf to the pool.
//
// buf cannot be accessed after returning to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}
