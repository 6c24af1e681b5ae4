package proxy

import (
	"net/http/httputil"
	"sync"
)

// copyBufferSize is the ReverseProxy body copy buffer size.
const copyBufferSize = 32 << 10

var _ httputil.BufferPool = (*bodyBufferPool)(nil)

// bodyBufferPool recycles ReverseProxy body copy buffers of one fixed size.
// Buffers of any other capacity are left to the garbage collector.
type bodyBufferPool struct {
	size int
	pool sync.Pool
}

func newBodyBufferPool(size int) *bodyBufferPool {
	return &bodyBufferPool{size: size}
}

func (p *bodyBufferPool) Get() []byte {
	if b, ok := p.pool.Get().(*[]byte); ok {
		return *b
	}
	return make([]byte, p.size)
}

func (p *bodyBufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
