package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// AllocateRequest describes an address to allocate.
type AllocateRequest struct {
	// SubnetID is the target subnet. When zero the subnet is resolved from
	// RequestedAddress.
	SubnetID  int64
	AllocType domain.AllocType
	// UserID is required for USER_RESERVED and forbidden otherwise.
	UserID *int64
	// RequestedAddress asks for one specific address.
	RequestedAddress string
	// Exclude lists addresses random allocation must not return.
	Exclude []netip.Addr
}

// Allocator hands out addresses. Random allocation takes candidates from
// the pool and retries when another writer committed the same address
// first; a requested address is checked and inserted once.
type Allocator struct {
	store   *repository.Store
	util    *Utilization
	pool    *Pool
	metrics *metrics.Metrics
	retry   config.AllocationConfig
}

// NewAllocator creates an allocator. The pool is usually built on
// NewUtilization(store.DB()).
func NewAllocator(store *repository.Store, pool *Pool, retry config.AllocationConfig, m *metrics.Metrics) *Allocator {
	if m == nil {
		m = metrics.New()
	}
	return &Allocator{
		store:   store,
		util:    NewUtilization(store.DB()),
		pool:    pool,
		metrics: m,
		retry:   retry,
	}
}

// Utilization returns the range computations the allocator validates with.
func (a *Allocator) Utilization() *Utilization {
	return a.util
}

// outcome is the result of one random allocation attempt. retry is set when
// the candidate lost a race at the unique constraint.
type outcome struct {
	record    domain.StaticIPAddress
	candidate netip.Addr
	retry     bool
}

// Allocate creates an address record.
func (a *Allocator) Allocate(ctx context.Context, req AllocateRequest) (domain.StaticIPAddress, error) {
	ctx = log.WithModule(ctx, "ipam")
	rec, err := a.allocate(ctx, req)
	if err != nil {
		a.metrics.Allocations.WithLabelValues(metrics.ResultFailure).Inc()
		return domain.StaticIPAddress{}, err
	}
	a.metrics.Allocations.WithLabelValues(metrics.ResultSuccess).Inc()
	return rec, nil
}

func (a *Allocator) allocate(ctx context.Context, req AllocateRequest) (domain.StaticIPAddress, error) {
	if !req.AllocType.Allocatable() {
		return domain.StaticIPAddress{}, fmt.Errorf("%w: %s", ErrInvalidAllocationType, req.AllocType)
	}
	if req.AllocType == domain.AllocUserReserved && req.UserID == nil {
		return domain.StaticIPAddress{}, fmt.Errorf("%w: a user is required for %s addresses", ErrInvalidAllocationArguments, req.AllocType)
	}
	if req.AllocType != domain.AllocUserReserved && req.UserID != nil {
		return domain.StaticIPAddress{}, fmt.Errorf("%w: a user is only allowed for %s addresses", ErrInvalidAllocationArguments, domain.AllocUserReserved)
	}

	var requested netip.Addr
	if req.RequestedAddress != "" {
		ip, err := netip.ParseAddr(req.RequestedAddress)
		if err != nil {
			return domain.StaticIPAddress{}, &AddressError{Err: ErrInvalidAddress, msg: fmt.Sprintf("Invalid IP address: %q", req.RequestedAddress)}
		}
		requested = ip.Unmap()
	}

	subnet, err := a.resolveSubnet(ctx, req.SubnetID, requested)
	if err != nil {
		return domain.StaticIPAddress{}, err
	}

	if requested.IsValid() {
		return a.allocateRequested(ctx, subnet, requested, req)
	}
	return a.allocateRandom(ctx, subnet, req)
}

func (a *Allocator) resolveSubnet(ctx context.Context, id int64, requested netip.Addr) (domain.Subnet, error) {
	subnets := repository.NewSubnetRepository(a.store.DB())
	if id != 0 {
		subnet, err := subnets.FindByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Subnet{}, fmt.Errorf("%w: subnet %d does not exist", ErrNoSuitableSubnet, id)
		}
		return subnet, err
	}
	if !requested.IsValid() {
		return domain.Subnet{}, fmt.Errorf("%w: a subnet or a requested address is required", ErrNoSuitableSubnet)
	}
	subnet, err := subnets.FindBestForIP(ctx, requested)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Subnet{}, fmt.Errorf("%w: no managed subnet contains %s", ErrNoSuitableSubnet, requested)
	}
	return subnet, err
}

func (a *Allocator) allocateRequested(ctx context.Context, subnet domain.Subnet, ip netip.Addr, req AllocateRequest) (domain.StaticIPAddress, error) {
	db := a.store.DB()
	if _, err := repository.NewStaticIPAddressRepository(db).FindByIP(ctx, ip); err == nil {
		return domain.StaticIPAddress{}, errInUse(ip)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return domain.StaticIPAddress{}, err
	}

	if !subnet.CIDR.Contains(ip) {
		return domain.StaticIPAddress{}, errOutOfRange(ip, subnet.CIDR)
	}

	ranges, err := repository.NewIPRangeRepository(db).FindBySubnet(ctx, subnet.ID)
	if err != nil {
		return domain.StaticIPAddress{}, err
	}
	// Reserved ranges are the only allocatable space of an unmanaged subnet.
	checks := []domain.IPRangeType{domain.IPRangeDynamic}
	if subnet.Managed {
		checks = []domain.IPRangeType{domain.IPRangeReserved, domain.IPRangeDynamic}
	}
	for _, t := range checks {
		for _, ir := range ranges {
			if ir.Type == t && ir.Contains(ip) {
				return domain.StaticIPAddress{}, errInRange(ip, ir)
			}
		}
	}

	var rec domain.StaticIPAddress
	err = a.store.InTx(ctx, func(tx *repository.Tx) error {
		addrs := repository.NewStaticIPAddressRepository(tx)
		var err error
		rec, err = addrs.Save(ctx, domain.StaticIPAddress{IP: ip, AllocType: req.AllocType, SubnetID: &subnet.ID})
		if errors.Is(err, repository.ErrUniqueViolation) {
			return errInUse(ip)
		}
		if err != nil {
			return err
		}
		return a.setUser(ctx, addrs, &rec, req.UserID)
	})
	if err != nil {
		return domain.StaticIPAddress{}, err
	}
	log.G(ctx).WithFields(logrus.Fields{"subnet": subnet.CIDR.String(), "ip": ip.String()}).Debug("allocated requested address")
	return rec, nil
}

func (a *Allocator) setUser(ctx context.Context, addrs repository.StaticIPAddressRepository, rec *domain.StaticIPAddress, userID *int64) error {
	if userID == nil {
		return nil
	}
	if err := addrs.SetUser(ctx, rec.ID, userID); err != nil {
		return err
	}
	rec.UserID = userID
	return nil
}

func (a *Allocator) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retry.RetryInitialInterval
	b.MaxInterval = a.retry.RetryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, a.retry.MaxRetries), ctx)
}

// allocateRandom runs attempts until one commits. Attempts after the first
// hold the allocation lock so colliding callers take turns.
func (a *Allocator) allocateRandom(ctx context.Context, subnet domain.Subnet, req AllocateRequest) (domain.StaticIPAddress, error) {
	b := a.newBackOff(ctx)
	b.Reset()
	exclude := append([]netip.Addr(nil), req.Exclude...)

	for attempt := 1; ; attempt++ {
		var (
			out outcome
			err error
		)
		if attempt == 1 {
			out, err = a.attempt(ctx, subnet, req, exclude)
		} else {
			err = a.store.WithLock(ctx, repository.AllocationLock, func(ctx context.Context) error {
				var lockedErr error
				out, lockedErr = a.attempt(ctx, subnet, req, exclude)
				return lockedErr
			})
		}
		if err != nil {
			return domain.StaticIPAddress{}, err
		}
		if !out.retry {
			log.G(ctx).WithFields(logrus.Fields{
				"subnet":  subnet.CIDR.String(),
				"ip":      out.record.IP.String(),
				"attempt": attempt,
			}).Debug("allocated address")
			return out.record, nil
		}

		a.metrics.AllocationRetries.Inc()
		log.G(ctx).WithFields(logrus.Fields{
			"subnet":  subnet.CIDR.String(),
			"ip":      out.candidate.String(),
			"attempt": attempt,
		}).Debug("address taken by a concurrent allocation, retrying")
		// The winner may sit outside this subnet's records, so never
		// offer the same candidate again.
		exclude = append(exclude, out.candidate)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return domain.StaticIPAddress{}, err
			}
			return domain.StaticIPAddress{}, fmt.Errorf("%w: subnet %s after %d attempts", ErrRetriesExhausted, subnet.CIDR, attempt)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return domain.StaticIPAddress{}, ctx.Err()
		}
	}
}

// attempt checks out a candidate and inserts it inside a savepoint. A
// unique violation is an expected race and yields a retry outcome.
func (a *Allocator) attempt(ctx context.Context, subnet domain.Subnet, req AllocateRequest, exclude []netip.Addr) (outcome, error) {
	cand, err := a.pool.Acquire(ctx, subnet, exclude)
	if err != nil {
		return outcome{}, err
	}
	defer cand.Release()

	out := outcome{candidate: cand.Addr}
	err = a.store.InTx(ctx, func(tx *repository.Tx) error {
		addrs := repository.NewStaticIPAddressRepository(tx)
		var rec domain.StaticIPAddress
		err := tx.Savepoint(ctx, func() error {
			var err error
			rec, err = addrs.Save(ctx, domain.StaticIPAddress{IP: cand.Addr, AllocType: req.AllocType, SubnetID: &subnet.ID})
			return err
		})
		if errors.Is(err, repository.ErrUniqueViolation) && req.AllocType.RetryOnConflict() {
			out.retry = true
			return nil
		}
		if err != nil {
			return err
		}
		// Only after the insert, so a failure here is never taken for an
		// address conflict.
		if err := a.setUser(ctx, addrs, &rec, req.UserID); err != nil {
			return err
		}
		out.record = rec
		return nil
	})
	return out, err
}

// SetAddress changes the address of rec. The owning subnet is re-resolved
// when the address leaves its network, and linked interfaces follow the
// new subnet's VLAN.
func (a *Allocator) SetAddress(ctx context.Context, rec domain.StaticIPAddress, ip netip.Addr) (domain.StaticIPAddress, error) {
	ctx = log.WithModule(ctx, "ipam")
	err := a.store.InTx(ctx, func(tx *repository.Tx) error {
		addrs := repository.NewStaticIPAddressRepository(tx)
		subnets := repository.NewSubnetRepository(tx)
		save := func() error {
			saved, err := addrs.Save(ctx, rec)
			if errors.Is(err, repository.ErrUniqueViolation) {
				return errInUse(rec.IP)
			}
			if err != nil {
				return err
			}
			rec = saved
			return nil
		}

		if !ip.IsValid() {
			rec.IP = netip.Addr{}
			return save()
		}

		if rec.IP.IsValid() && rec.SubnetID != nil {
			current, err := subnets.FindByID(ctx, *rec.SubnetID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if err == nil && current.CIDR.Contains(rec.IP) && current.CIDR.Contains(ip) {
				rec.IP = ip
				return save()
			}
		}

		rec.IP = ip
		subnet, err := subnets.FindBestForIP(ctx, ip)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			rec.SubnetID = nil
		case err != nil:
			return err
		default:
			rec.SubnetID = &subnet.ID
		}
		if err := save(); err != nil {
			return err
		}
		if rec.SubnetID == nil {
			return nil
		}

		ifaces := repository.NewInterfaceRepository(tx)
		linked, err := ifaces.FindByStaticIP(ctx, rec.ID)
		if err != nil {
			return err
		}
		for _, iface := range linked {
			if iface.VLANID != nil && *iface.VLANID == subnet.VLANID {
				continue
			}
			if err := ifaces.UpdateVLAN(ctx, iface.ID, &subnet.VLANID); err != nil {
				return err
			}
			log.G(ctx).WithFields(logrus.Fields{
				"interface": iface.Name,
				"subnet":    subnet.CIDR.String(),
			}).Info("moved interface to the VLAN of its new subnet")
		}
		return nil
	})
	if err != nil {
		return domain.StaticIPAddress{}, err
	}
	return rec, nil
}

// Release deletes an address record.
func (a *Allocator) Release(ctx context.Context, id int64) error {
	return repository.NewStaticIPAddressRepository(a.store.DB()).DeleteByID(ctx, id)
}

// ReleaseOrphans deletes AUTO and STICKY records older than minAge that no
// interface links to, and returns how many went.
func (a *Allocator) ReleaseOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	ctx = log.WithModule(ctx, "ipam")
	released := 0
	err := a.store.InTx(ctx, func(tx *repository.Tx) error {
		addrs := repository.NewStaticIPAddressRepository(tx)
		orphans, err := addrs.FindOrphans(ctx, time.Now().Add(-minAge))
		if err != nil {
			return err
		}
		for _, o := range orphans {
			if err := addrs.DeleteByID(ctx, o.ID); err != nil {
				return err
			}
			log.G(ctx).WithField("ip", o.IP.String()).Debug("released orphaned address")
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// DeleteSubnet deletes a subnet and drops its cached candidates.
func (a *Allocator) DeleteSubnet(ctx context.Context, id int64) error {
	if err := repository.NewSubnetRepository(a.store.DB()).DeleteByID(ctx, id); err != nil {
		return err
	}
	a.pool.InvalidateSubnet(id)
	return nil
}
