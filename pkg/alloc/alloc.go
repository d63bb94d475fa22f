// Package alloc manages the finite resources a sandbox consumes: host ports
// from a configured range and unguessable per-session bearer tokens.
package alloc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

// ErrPoolExhausted is returned when fewer free ports remain than requested.
var ErrPoolExhausted = errors.New("alloc: port pool exhausted")

// PortPool hands out host ports from [lo, hi]. Allocation and release are
// atomic with respect to concurrent requests: no two holders ever share a
// port.
type PortPool struct {
	mu    sync.Mutex
	lo    int
	hi    int
	inUse map[int]bool
	probe func(port int) bool
}

// PoolOption configures a PortPool.
type PoolOption func(*PortPool)

// WithProbe overrides the bindability check run before a port is handed out.
// Pass a probe that always returns true to disable OS-level checking.
func WithProbe(probe func(port int) bool) PoolOption {
	return func(p *PortPool) { p.probe = probe }
}

// NewPortPool creates a pool over the inclusive range [lo, hi].
func NewPortPool(lo, hi int, opts ...PoolOption) (*PortPool, error) {
	if lo <= 0 || hi < lo || hi > 65535 {
		return nil, fmt.Errorf("alloc: invalid port range %d-%d", lo, hi)
	}
	p := &PortPool{
		lo:    lo,
		hi:    hi,
		inUse: make(map[int]bool),
		probe: bindProbe,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// bindProbe checks whether the OS will let us bind the port right now.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Allocate reserves n distinct ports. On ErrPoolExhausted nothing is held.
func (p *PortPool) Allocate(n int) ([]int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("alloc: invalid allocation count %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	got := make([]int, 0, n)
	for port := p.lo; port <= p.hi && len(got) < n; port++ {
		if p.inUse[port] {
			continue
		}
		if p.probe != nil && !p.probe(port) {
			continue
		}
		p.inUse[port] = true
		got = append(got, port)
	}
	if len(got) < n {
		for _, port := range got {
			delete(p.inUse, port)
		}
		return nil, fmt.Errorf("%w: requested %d, range %d-%d", ErrPoolExhausted, n, p.lo, p.hi)
	}
	return got, nil
}

// Release returns ports to the pool. Already-free and out-of-range ports are
// ignored, so the call is idempotent.
func (p *PortPool) Release(ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		delete(p.inUse, port)
	}
}

// Held returns the currently allocated ports in ascending order.
func (p *PortPool) Held() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.inUse))
	for port := range p.inUse {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}

// TokenSource mints cryptographically random bearer tokens. Every token is
// unique for the lifetime of the source; sources are per-process, so tokens
// are never reused across sessions.
type TokenSource struct {
	mu     sync.Mutex
	issued map[string]bool
}

// NewTokenSource creates an empty source.
func NewTokenSource() *TokenSource {
	return &TokenSource{issued: make(map[string]bool)}
}

// Generate returns a fresh 256-bit hex token.
func (t *TokenSource) Generate() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("alloc: generate token: %w", err)
		}
		token := hex.EncodeToString(buf)
		if t.issued[token] {
			continue
		}
		t.issued[token] = true
		return token, nil
	}
}
