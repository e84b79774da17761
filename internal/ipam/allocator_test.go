package ipam

import (
	"context"
	"database/sql"
	"net/netip"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
	"github.com/jbweber/homelab/ipamd/internal/repository"
	"github.com/jbweber/homelab/ipamd/internal/testutil"
)

type allocatorFixture struct {
	db      *sql.DB
	store   *repository.Store
	pool    *Pool
	alloc   *Allocator
	metrics *metrics.Metrics
}

func newAllocatorFixture(t *testing.T, wrap func(CandidateSource) CandidateSource) *allocatorFixture {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	store := repository.NewStore(db)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	var src CandidateSource = NewUtilization(store.DB())
	if wrap != nil {
		src = wrap(src)
	}
	pool := NewPool(src, m)
	retry := config.AllocationConfig{
		MaxRetries:           5,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
	return &allocatorFixture{
		db:      db,
		store:   store,
		pool:    pool,
		alloc:   NewAllocator(store, pool, retry, m),
		metrics: m,
	}
}

func TestAllocate_FillsSubnetThenReportsExhaustion(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")

	seen := make(map[netip.Addr]bool)
	for i := 0; i < 254; i++ {
		rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
		require.NoError(t, err, "allocation %d", i+1)
		require.False(t, seen[rec.IP], "address %s allocated twice", rec.IP)
		require.True(t, subnet.CIDR.Contains(rec.IP))
		require.NotEqual(t, "10.0.0.0", rec.IP.String())
		require.NotEqual(t, "10.0.0.255", rec.IP.String())
		if i == 0 {
			assert.Equal(t, "10.0.0.1", rec.IP.String())
		}
		seen[rec.IP] = true
	}

	_, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.ErrorIs(t, err, ErrAddressExhaustion)
	assert.Equal(t, "IP address exhaustion: no more IPs available in subnet: 10.0.0.0/24", err.Error())

	assert.Equal(t, float64(254), promtest.ToFloat64(f.metrics.Allocations.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.Allocations.WithLabelValues(metrics.ResultFailure)))
}

func TestAllocate_RequestedAddressChecks(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, true)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")
	testutil.MakeIPRange(t, f.db, subnet.ID, domain.IPRangeDynamic, "10.0.0.200", "10.0.0.254")
	testutil.MakeIPRange(t, f.db, subnet.ID, domain.IPRangeReserved, "10.0.0.10", "10.0.0.19")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", rec.IP.String())
	require.NotNil(t, rec.SubnetID)
	assert.Equal(t, subnet.ID, *rec.SubnetID)

	tests := []struct {
		name    string
		req     AllocateRequest
		wantErr error
		wantMsg string
	}{
		{
			name:    "inside dynamic range",
			req:     AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "10.0.0.210"},
			wantErr: ErrAddressUnavailable,
			wantMsg: "10.0.0.210 is within the dynamic range from 10.0.0.200 to 10.0.0.254",
		},
		{
			name:    "inside reserved range",
			req:     AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "10.0.0.12"},
			wantErr: ErrAddressUnavailable,
			wantMsg: "10.0.0.12 is within the reserved range from 10.0.0.10 to 10.0.0.19",
		},
		{
			name:    "already allocated",
			req:     AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto, RequestedAddress: "10.0.0.5"},
			wantErr: ErrAddressUnavailable,
			wantMsg: "IP address 10.0.0.5 is already in use.",
		},
		{
			name:    "outside the subnet",
			req:     AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "10.9.0.5"},
			wantErr: ErrAddressOutOfRange,
			wantMsg: "10.9.0.5 is not within subnet CIDR: 10.0.0.0/24",
		},
		{
			name:    "malformed",
			req:     AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "foo"},
			wantErr: ErrInvalidAddress,
			wantMsg: `Invalid IP address: "foo"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.alloc.Allocate(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestAllocate_ArgumentValidation(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")
	user := int64(42)

	tests := []struct {
		name    string
		req     AllocateRequest
		wantErr error
	}{
		{"dhcp is never allocated", AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocDHCP}, ErrInvalidAllocationType},
		{"discovered is never allocated", AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocDiscovered}, ErrInvalidAllocationType},
		{"unknown type", AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocType(3)}, ErrInvalidAllocationType},
		{"user reserved needs a user", AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocUserReserved}, ErrInvalidAllocationArguments},
		{"auto forbids a user", AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto, UserID: &user}, ErrInvalidAllocationArguments},
		{"no subnet and no address", AllocateRequest{AllocType: domain.AllocAuto}, ErrNoSuitableSubnet},
		{"unknown subnet", AllocateRequest{SubnetID: 999, AllocType: domain.AllocAuto}, ErrNoSuitableSubnet},
		{"address outside every subnet", AllocateRequest{AllocType: domain.AllocSticky, RequestedAddress: "192.168.9.9"}, ErrNoSuitableSubnet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.alloc.Allocate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocUserReserved, UserID: &user})
	require.NoError(t, err)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, user, *rec.UserID)

	stored, err := repository.NewStaticIPAddressRepository(f.db).FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.UserID)
	assert.Equal(t, user, *stored.UserID)
}

func TestAllocate_ResolvesSubnetFromRequestedAddress(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/16")
	narrow := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.1.0/24")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{AllocType: domain.AllocSticky, RequestedAddress: "10.0.1.20"})
	require.NoError(t, err)
	require.NotNil(t, rec.SubnetID)
	assert.Equal(t, narrow.ID, *rec.SubnetID)
}

func TestAllocate_UnmanagedSubnetAllowsReservedAddresses(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24", testutil.Unmanaged(), testutil.WithGateway("10.0.0.1"))
	testutil.MakeIPRange(t, f.db, subnet.ID, domain.IPRangeReserved, "10.0.0.1", "10.0.0.3")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocSticky, RequestedAddress: "10.0.0.3"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", rec.IP.String())

	// Random allocation only draws from the reserved range, minus the gateway.
	rec, err = f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", rec.IP.String())

	_, err = f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.ErrorIs(t, err, ErrAddressExhaustion)
}

// stealingSource commits the first candidate it computes under a row of
// its own before handing it out, as a concurrent writer would.
type stealingSource struct {
	CandidateSource
	db     *sql.DB
	once   sync.Once
	stolen netip.Addr
	err    error
}

func (s *stealingSource) NextAddressForAllocation(ctx context.Context, subnet domain.Subnet, count int, exclude []netip.Addr) ([]netip.Addr, error) {
	addrs, err := s.CandidateSource.NextAddressForAllocation(ctx, subnet, count, exclude)
	if err != nil || len(addrs) == 0 {
		return addrs, err
	}
	s.once.Do(func() {
		s.stolen = addrs[0]
		_, s.err = s.db.ExecContext(ctx, "INSERT INTO staticipaddresses (ip, alloc_type) VALUES (?, ?)",
			addrs[0].String(), int(domain.AllocSticky))
	})
	return addrs, nil
}

func TestAllocate_RetriesWhenCandidateIsTaken(t *testing.T) {
	var thief *stealingSource
	f := newAllocatorFixture(t, func(src CandidateSource) CandidateSource {
		thief = &stealingSource{CandidateSource: src}
		return thief
	})
	db := f.db
	thief.db = db
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, db, 1, false)
	subnet := testutil.MakeSubnet(t, db, vlan.ID, "10.0.0.0/24")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)
	require.NoError(t, thief.err)

	assert.Equal(t, "10.0.0.1", thief.stolen.String())
	assert.NotEqual(t, thief.stolen, rec.IP)
	assert.Equal(t, "10.0.0.2", rec.IP.String())
	assert.GreaterOrEqual(t, promtest.ToFloat64(f.metrics.AllocationRetries), float64(1))

	all, err := repository.NewStaticIPAddressRepository(db).FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAllocate_ConcurrentCallersGetDistinctAddresses(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/26")

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan netip.Addr, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
			if err != nil {
				errs <- err
				return
			}
			results <- rec.IP
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("allocation failed: %v", err)
	}
	seen := make(map[netip.Addr]bool)
	for ip := range results {
		assert.False(t, seen[ip], "address %s allocated twice", ip)
		assert.True(t, subnet.CIDR.Contains(ip))
		seen[ip] = true
	}
	assert.Len(t, seen, callers)
}

func TestAllocate_ExcludeIsHonoured(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{
		SubnetID:  subnet.ID,
		AllocType: domain.AllocAuto,
		Exclude:   []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", rec.IP.String())
}

func TestSetAddress(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan1 := testutil.MakeVLAN(t, f.db, 1, false)
	vlan2 := testutil.MakeVLAN(t, f.db, 2, false)
	first := testutil.MakeSubnet(t, f.db, vlan1.ID, "10.0.0.0/24")
	second := testutil.MakeSubnet(t, f.db, vlan2.ID, "10.1.0.0/24")
	iface := testutil.MakeInterface(t, f.db, "node1", "eth0", "aa:bb:cc:dd:ee:01", &vlan1.ID)
	rec := testutil.MakeStaticIP(t, f.db, first.ID, "10.0.0.5", domain.AllocSticky, iface.ID)
	ifaces := repository.NewInterfaceRepository(f.db)

	t.Run("same subnet keeps VLAN", func(t *testing.T) {
		moved, err := f.alloc.SetAddress(ctx, rec, netip.MustParseAddr("10.0.0.6"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.6", moved.IP.String())
		assert.Equal(t, first.ID, *moved.SubnetID)
		rec = moved
	})

	t.Run("other subnet moves interface", func(t *testing.T) {
		moved, err := f.alloc.SetAddress(ctx, rec, netip.MustParseAddr("10.1.0.6"))
		require.NoError(t, err)
		require.NotNil(t, moved.SubnetID)
		assert.Equal(t, second.ID, *moved.SubnetID)

		got, err := ifaces.FindByID(ctx, iface.ID)
		require.NoError(t, err)
		require.NotNil(t, got.VLANID)
		assert.Equal(t, vlan2.ID, *got.VLANID)
		rec = moved
	})

	t.Run("address in use", func(t *testing.T) {
		testutil.MakeStaticIP(t, f.db, first.ID, "10.0.0.9", domain.AllocAuto, 0)
		_, err := f.alloc.SetAddress(ctx, rec, netip.MustParseAddr("10.0.0.9"))
		require.ErrorIs(t, err, ErrAddressUnavailable)
	})

	t.Run("outside every subnet", func(t *testing.T) {
		moved, err := f.alloc.SetAddress(ctx, rec, netip.MustParseAddr("192.168.1.1"))
		require.NoError(t, err)
		assert.Nil(t, moved.SubnetID)
		rec = moved
	})

	t.Run("clear", func(t *testing.T) {
		moved, err := f.alloc.SetAddress(ctx, rec, netip.Addr{})
		require.NoError(t, err)
		assert.False(t, moved.IP.IsValid())

		stored, err := repository.NewStaticIPAddressRepository(f.db).FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, stored.IP.IsValid())
	})
}

func TestReleaseOrphans(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")
	iface := testutil.MakeInterface(t, f.db, "node1", "eth0", "aa:bb:cc:dd:ee:01", &vlan.ID)

	oldOrphan := testutil.MakeStaticIP(t, f.db, subnet.ID, "10.0.0.10", domain.AllocAuto, 0)
	oldLinked := testutil.MakeStaticIP(t, f.db, subnet.ID, "10.0.0.11", domain.AllocAuto, iface.ID)
	oldDiscovered := testutil.MakeStaticIP(t, f.db, subnet.ID, "10.0.0.12", domain.AllocDiscovered, 0)
	_, err := f.db.Exec("UPDATE staticipaddresses SET created_at = '2020-01-01 00:00:00'")
	require.NoError(t, err)

	fresh, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)

	released, err := f.alloc.ReleaseOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	addrs := repository.NewStaticIPAddressRepository(f.db)
	_, err = addrs.FindByID(ctx, oldOrphan.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	for _, id := range []int64{oldLinked.ID, oldDiscovered.ID, fresh.ID} {
		_, err = addrs.FindByID(ctx, id)
		assert.NoError(t, err)
	}
}

func TestRelease(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/30")

	rec, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)
	_, err = f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)
	_, err = f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.ErrorIs(t, err, ErrAddressExhaustion)

	require.NoError(t, f.alloc.Release(ctx, rec.ID))
	again, err := f.alloc.Allocate(ctx, AllocateRequest{SubnetID: subnet.ID, AllocType: domain.AllocAuto})
	require.NoError(t, err)
	assert.Equal(t, rec.IP, again.IP)

	assert.ErrorIs(t, f.alloc.Release(ctx, rec.ID), repository.ErrNotFound)
}

func TestDeleteSubnetInvalidatesPool(t *testing.T) {
	f := newAllocatorFixture(t, nil)
	ctx := context.Background()
	vlan := testutil.MakeVLAN(t, f.db, 1, false)
	subnet := testutil.MakeSubnet(t, f.db, vlan.ID, "10.0.0.0/24")

	cand, err := f.pool.Acquire(ctx, subnet, nil)
	require.NoError(t, err)
	cand.Release()
	_, reserved := f.pool.Stats(subnet.ID)
	assert.Zero(t, reserved)

	require.NoError(t, f.alloc.DeleteSubnet(ctx, subnet.ID))
	queued, _ := f.pool.Stats(subnet.ID)
	assert.Zero(t, queued)

	_, err = repository.NewSubnetRepository(f.db).FindByID(ctx, subnet.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
