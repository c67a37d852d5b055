package client

import "sync"

// connPool keeps idle connections per host. Connections only enter
// the pool from their owning worker after a completed exchange, and
// leave it either to carry the next request or on close.
type connPool struct {
	mu   sync.Mutex
	idle map[string][]*clientConn
}

func newConnPool() *connPool {
	return &connPool{idle: make(map[string][]*clientConn)}
}

func (p *connPool) get(host string) *clientConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[host]
	if len(conns) == 0 {
		return nil
	}

	cc := conns[len(conns)-1]
	p.idle[host] = conns[:len(conns)-1]
	return cc
}

func (p *connPool) put(cc *clientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[cc.host] = append(p.idle[cc.host], cc)
}

func (p *connPool) remove(cc *clientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[cc.host]
	for i, candidate := range conns {
		if candidate == cc {
			p.idle[cc.host] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}
