// Package bufferpool provides a fixed-size byte slice pool for relay copy
// buffers. The session proxy and the gateway build a new Pool inside each
// copy call, so a buffer is not reused across relays.
package bufferpool

import "sync"

type Pool struct {
	size int
	pool sync.Pool
}

func New(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		return make([]byte, size)
	}
	return p
}

func (p *Pool) Get() []byte {
	b := p.pool.Get().([]byte)
	return b[:p.size]
}

func (p *Pool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.pool.Put(b[:p.size])
}
