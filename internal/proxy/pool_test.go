package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyBufferPool(t *testing.T) {
	p := newBodyBufferPool(16)

	b := p.Get()
	assert.Len(t, b, 16)

	// A resliced buffer comes back at full length.
	p.Put(b[:4])
	assert.Len(t, p.Get(), 16)

	// Foreign buffers are never handed out.
	p.Put(make([]byte, 8))
	p.Put(make([]byte, 64))
	for range 10 {
		assert.Len(t, p.Get(), 16)
	}
}
