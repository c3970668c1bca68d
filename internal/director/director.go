// Package director selects which backend serves a request, the
// counterpart of Varnish's VCL backend/director abstraction. It wraps a
// pool of *http.Client-backed endpoints behind round-robin selection, each
// with its own circuit breaker so one sick backend doesn't starve the
// others.
package director

import (
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ocx/cacheproxy/internal/circuitbreaker"
)

// Backend is one upstream origin.
type Backend struct {
	Name    string
	BaseURL string
	Client  *http.Client
	Breaker *circuitbreaker.Breaker
}

func (b *Backend) Do(req *http.Request) (*http.Response, error) {
	return b.Client.Do(req)
}

// Director chooses a Backend for each request. Round-robin is the only
// policy implemented; it is what the spec's director hook needs to exist
// for the FSM to call, not a load-balancing research project.
type Director struct {
	name     string
	backends []*Backend
	next     atomic.Uint64
}

// New constructs a director named name (used in logs/metrics) fronting
// the given backends, each dialed through its own breaker and a
// connection-pooling http.Client with sane timeouts.
func New(name string, targets []string, dialTimeout, reqTimeout time.Duration) *Director {
	d := &Director{name: name}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(name))
	for i, base := range targets {
		d.backends = append(d.backends, &Backend{
			Name:    fmt.Sprintf("%s-%d", name, i),
			BaseURL: base,
			Breaker: breakers.Get(fmt.Sprintf("%s-%d", name, i)),
			Client: &http.Client{
				Timeout: reqTimeout,
				Transport: &http.Transport{
					DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
					MaxIdleConnsPerHost: 64,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		})
	}
	return d
}

// Pick returns the next healthy backend in round-robin order, skipping any
// whose breaker is currently open. Returns nil if every backend is open.
func (d *Director) Pick() *Backend {
	n := uint64(len(d.backends))
	if n == 0 {
		return nil
	}
	start := d.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		b := d.backends[(start+i)%n]
		if b.Breaker == nil || b.Breaker.State() != circuitbreaker.StateOpen {
			return b
		}
	}
	return nil
}

// Name reports the director's configured name.
func (d *Director) Name() string { return d.name }

// Backends exposes the pool, mainly for the admin surface's health report.
func (d *Director) Backends() []*Backend { return d.backends }
