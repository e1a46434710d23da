package mqtt311

import (
	"sync"
)

// maxPooledBuffer caps the capacity of encode buffers kept for reuse so one
// large PUBLISH does not pin memory for the life of the process.
const maxPooledBuffer = 64 * 1024

var (
	readerPool = sync.Pool{New: func() any { return new(bytesReader) }}
	bufferPool = sync.Pool{New: func() any { return &bytesBuffer{data: make([]byte, 0, 256)} }}
)

func getBytesReader(data []byte) *bytesReader {
	r := readerPool.Get().(*bytesReader)
	r.data, r.pos = data, 0
	return r
}

func putBytesReader(r *bytesReader) {
	if r == nil {
		return
	}
	r.data, r.pos = nil, 0
	readerPool.Put(r)
}

func getBytesBuffer() *bytesBuffer {
	b := bufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

func putBytesBuffer(b *bytesBuffer) {
	if b == nil || cap(b.data) > maxPooledBuffer {
		return
	}
	bufferPool.Put(b)
}
