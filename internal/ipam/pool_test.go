package ipam

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
)

// countingSource hands out ascending addresses, optionally blocking each
// call until gate is closed.
type countingSource struct {
	mu     sync.Mutex
	next   netip.Addr
	last   netip.Addr
	counts []int
	gate   chan struct{}
}

func newCountingSource(first, last string) *countingSource {
	return &countingSource{next: netip.MustParseAddr(first), last: netip.MustParseAddr(last)}
}

func (s *countingSource) NextAddressForAllocation(ctx context.Context, subnet domain.Subnet, count int, exclude []netip.Addr) ([]netip.Addr, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, count)

	skip := make(map[netip.Addr]bool, len(exclude))
	for _, ip := range exclude {
		skip[ip] = true
	}
	var out []netip.Addr
	for ip := s.next; ip.IsValid() && ip.Compare(s.last) <= 0 && len(out) < count; ip = ip.Next() {
		s.next = ip.Next()
		if !skip[ip] {
			out = append(out, ip)
		}
	}
	return out, nil
}

func (s *countingSource) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.counts...)
}

var poolSubnet = domain.Subnet{ID: 7, CIDR: netip.MustParsePrefix("10.0.0.0/24"), Managed: true}

func TestPool_AcquireAndRelease(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.254")
	m := metrics.New()
	pool := NewPool(src, m)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, poolSubnet, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", a.Addr.String())

	queued, reserved := pool.Stats(poolSubnet.ID)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, reserved)

	a.Release()
	a.Release()
	_, reserved = pool.Stats(poolSubnet.ID)
	assert.Equal(t, 0, reserved)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PoolRefills))
}

func TestPool_ExcludedAddressesAreSkipped(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.254")
	pool := NewPool(src, nil)

	c, err := pool.Acquire(context.Background(), poolSubnet, []netip.Addr{netip.MustParseAddr("10.0.0.1")})
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, "10.0.0.2", c.Addr.String())
}

func TestPool_ExhaustedSource(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.1")
	pool := NewPool(src, nil)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, poolSubnet, nil)
	require.NoError(t, err)
	defer c.Release()

	_, err = pool.Acquire(ctx, poolSubnet, nil)
	require.ErrorIs(t, err, ErrAddressExhaustion)
}

func TestPool_CoalescesWaitersIntoOneRefill(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.254")
	src.gate = make(chan struct{})
	pool := NewPool(src, nil)
	ctx := context.Background()

	const callers = 4
	results := make(chan *Candidate, callers)
	errs := make(chan error, callers)
	acquire := func() {
		c, err := pool.Acquire(ctx, poolSubnet, nil)
		if err != nil {
			errs <- err
			return
		}
		results <- c
	}

	go acquire()
	require.Eventually(t, func() bool {
		sp := pool.subnetPool(poolSubnet.ID)
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.refilling
	}, time.Second, time.Millisecond)

	for i := 0; i < callers-1; i++ {
		go acquire()
	}
	require.Eventually(t, func() bool {
		sp := pool.subnetPool(poolSubnet.ID)
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.pending == callers-1
	}, time.Second, time.Millisecond)

	close(src.gate)

	seen := make(map[netip.Addr]bool)
	for i := 0; i < callers; i++ {
		select {
		case c := <-results:
			assert.False(t, seen[c.Addr], "address %s handed out twice", c.Addr)
			seen[c.Addr] = true
		case err := <-errs:
			t.Fatalf("acquire failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for candidates")
		}
	}
	assert.Equal(t, []int{1, callers - 1}, src.calls())
}

func TestPool_WaiterHonoursContext(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.254")
	src.gate = make(chan struct{})
	defer close(src.gate)
	pool := NewPool(src, nil)

	go func() {
		c, err := pool.Acquire(context.Background(), poolSubnet, nil)
		if err == nil {
			c.Release()
		}
	}()
	require.Eventually(t, func() bool {
		sp := pool.subnetPool(poolSubnet.ID)
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return sp.refilling
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Acquire(ctx, poolSubnet, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sp := pool.subnetPool(poolSubnet.ID)
	sp.mu.Lock()
	assert.Equal(t, 0, sp.pending)
	sp.mu.Unlock()
}

func TestPool_InvalidateSubnet(t *testing.T) {
	src := newCountingSource("10.0.0.1", "10.0.0.254")
	pool := NewPool(src, nil)
	ctx := context.Background()

	c, err := pool.Acquire(ctx, poolSubnet, nil)
	require.NoError(t, err)

	pool.InvalidateSubnet(poolSubnet.ID)
	queued, reserved := pool.Stats(poolSubnet.ID)
	assert.Zero(t, queued)
	assert.Zero(t, reserved)

	// Releasing a candidate of a dropped subnet is harmless.
	c.Release()

	c, err = pool.Acquire(ctx, poolSubnet, nil)
	require.NoError(t, err)
	c.Release()
	assert.Len(t, src.calls(), 2)
}
