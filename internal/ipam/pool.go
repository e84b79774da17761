package ipam

import (
	"context"
	"net/netip"
	"sync"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
)

// CandidateSource computes free addresses of a subnet.
type CandidateSource interface {
	NextAddressForAllocation(ctx context.Context, subnet domain.Subnet, count int, exclude []netip.Addr) ([]netip.Addr, error)
}

// Pool prefetches candidate addresses per subnet so that concurrent
// allocations do not each recompute the free ranges. Candidates are hints:
// the database decides who owns an address.
//
// A Pool is safe for concurrent use. The top level map is guarded by mu,
// each subnet's state by its own lock.
type Pool struct {
	source  CandidateSource
	metrics *metrics.Metrics

	mu      sync.Mutex
	subnets map[int64]*subnetPool
}

type subnetPool struct {
	mu       sync.Mutex
	fifo     []netip.Addr
	reserved map[netip.Addr]struct{}
	// pending counts callers waiting on a refill; the next refill fetches
	// enough for all of them.
	pending    int
	refilling  bool
	refillDone chan struct{}
}

// NewPool creates a pool that refills from source.
func NewPool(source CandidateSource, m *metrics.Metrics) *Pool {
	if m == nil {
		m = metrics.New()
	}
	return &Pool{
		source:  source,
		metrics: m,
		subnets: make(map[int64]*subnetPool),
	}
}

// Candidate is an address checked out of the pool. It stays invisible to
// other callers until Release.
type Candidate struct {
	Addr netip.Addr

	once    sync.Once
	release func()
}

// Release returns the candidate to free range computations. It is safe to
// call more than once.
func (c *Candidate) Release() {
	c.once.Do(c.release)
}

func (p *Pool) subnetPool(id int64) *subnetPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.subnets[id]
	if !ok {
		sp = &subnetPool{reserved: make(map[netip.Addr]struct{})}
		p.subnets[id] = sp
	}
	return sp
}

// InvalidateSubnet drops everything cached for a subnet. Candidates already
// handed out stay valid until released.
func (p *Pool) InvalidateSubnet(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subnets, id)
}

// Acquire checks out a candidate address of subnet that is not in excluded.
// When the cache has none it refills from the source, coalescing callers
// that arrive during a refill into the next one. The caller must Release
// the candidate.
func (p *Pool) Acquire(ctx context.Context, subnet domain.Subnet, excluded []netip.Addr) (*Candidate, error) {
	sp := p.subnetPool(subnet.ID)
	skip := make(map[netip.Addr]struct{}, len(excluded))
	for _, ip := range excluded {
		skip[ip] = struct{}{}
	}

	sp.mu.Lock()
	for {
		if ip, ok := sp.take(skip); ok {
			sp.reserved[ip] = struct{}{}
			sp.mu.Unlock()
			return &Candidate{Addr: ip, release: func() { sp.release(ip) }}, nil
		}

		if sp.refilling {
			sp.pending++
			done := sp.refillDone
			sp.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				sp.mu.Lock()
				sp.pending--
				sp.mu.Unlock()
				return nil, ctx.Err()
			}
			sp.mu.Lock()
			sp.pending--
			continue
		}

		if err := p.refill(ctx, subnet, sp, skip); err != nil {
			sp.mu.Unlock()
			return nil, err
		}
	}
}

// refill is called and returns with sp.mu held.
func (p *Pool) refill(ctx context.Context, subnet domain.Subnet, sp *subnetPool, skip map[netip.Addr]struct{}) error {
	sp.refilling = true
	sp.refillDone = make(chan struct{})
	count := sp.pending + 1

	avoid := make([]netip.Addr, 0, len(sp.reserved)+len(skip)+len(sp.fifo))
	for ip := range sp.reserved {
		avoid = append(avoid, ip)
	}
	for ip := range skip {
		avoid = append(avoid, ip)
	}
	avoid = append(avoid, sp.fifo...)
	sp.mu.Unlock()

	addrs, err := p.source.NextAddressForAllocation(ctx, subnet, count, avoid)

	sp.mu.Lock()
	sp.refilling = false
	close(sp.refillDone)
	if err != nil {
		return err
	}
	p.metrics.PoolRefills.Inc()

	queued := make(map[netip.Addr]struct{}, len(sp.fifo))
	for _, ip := range sp.fifo {
		queued[ip] = struct{}{}
	}
	added := 0
	for _, ip := range addrs {
		if _, ok := queued[ip]; ok {
			continue
		}
		if _, ok := sp.reserved[ip]; ok {
			continue
		}
		queued[ip] = struct{}{}
		sp.fifo = append(sp.fifo, ip)
		added++
	}
	if added == 0 {
		return errExhausted(subnet.CIDR)
	}
	return nil
}

// take pops the first queued address not in skip. Called with sp.mu held.
func (sp *subnetPool) take(skip map[netip.Addr]struct{}) (netip.Addr, bool) {
	for i, ip := range sp.fifo {
		if _, ok := skip[ip]; ok {
			continue
		}
		if _, ok := sp.reserved[ip]; ok {
			continue
		}
		sp.fifo = append(sp.fifo[:i:i], sp.fifo[i+1:]...)
		return ip, true
	}
	return netip.Addr{}, false
}

func (sp *subnetPool) release(ip netip.Addr) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.reserved, ip)
}

// Stats reports the queued and checked out addresses of a subnet.
func (p *Pool) Stats(id int64) (queued, reserved int) {
	p.mu.Lock()
	sp, ok := p.subnets[id]
	p.mu.Unlock()
	if !ok {
		return 0, 0
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.fifo), len(sp.reserved)
}
