package protocol

import (
	"bytes"
	"sync"
)

// maxPooledBuffer keeps one huge portfolio frame from pinning memory in the pool.
const maxPooledBuffer = 64 * 1024

// bufferPool reuses encode buffers on the broadcast hot path
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// GetBuffer gets an empty buffer from the pool
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(buf)
}
