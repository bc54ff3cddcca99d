package platform

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smartrent/chaincode/internal/arbitration"
	"github.com/smartrent/chaincode/internal/escrow"
	"github.com/smartrent/chaincode/internal/funds"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/listing"
	"github.com/smartrent/chaincode/internal/metrics"
	"github.com/smartrent/chaincode/internal/rentalerr"
	"github.com/smartrent/chaincode/internal/reputation"
	"github.com/smartrent/chaincode/internal/subscription"
)

const (
	admin    = "admin-1"
	landlord = "landlord-1"
	tenant   = "tenant-1"
	arbiter  = "arbiter-1"
	stranger = "stranger-1"

	day     = int64(24 * 60 * 60)
	deposit = int64(1000)
	rent    = int64(3000)
)

type fixture struct {
	t        *testing.T
	now      time.Time
	ledger   *ledger.Local
	platform *Platform
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Unix(1_700_000_000, 0)}
	f.ledger = ledger.NewLocal(ledger.WithClock(func() time.Time { return f.now }))
	f.platform = New(opts...)
	return f
}

func newInitializedFixture(t *testing.T, opts ...Option) *fixture {
	f := newFixture(t, opts...)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Initialize(stub, admin, false)
		return err
	}))
	return f
}

func (f *fixture) submit(fn func(stub ledger.Stub) error) error {
	_, err := f.ledger.Submit(fn)
	return err
}

func (f *fixture) read(fn func(stub ledger.Stub) error) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.Read(fn))
}

func (f *fixture) mint(account string, amount int64) {
	f.t.Helper()
	require.NoError(f.t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.MintFunds(stub, admin, account, amount)
		return err
	}))
}

func (f *fixture) balance(account string) int64 {
	f.t.Helper()
	var b int64
	f.read(func(stub ledger.Stub) error {
		var err error
		b, err = f.platform.BalanceOf(stub, account)
		return err
	})
	return b
}

func (f *fixture) createListing(owner, hash string) (*listing.Listing, error) {
	var l *listing.Listing
	err := f.submit(func(stub ledger.Stub) error {
		var err error
		l, err = f.platform.CreateListing(stub, owner, listing.Draft{
			Title:         "Harbour loft",
			Description:   "Two rooms above the market",
			PricePerDay:   100,
			DepositAmount: deposit,
			MetadataHash:  hash,
		})
		return err
	})
	return l, err
}

func (f *fixture) mustListing(owner, hash string) *listing.Listing {
	f.t.Helper()
	l, err := f.createListing(owner, hash)
	require.NoError(f.t, err)
	return l
}

func (f *fixture) mustRental(l *listing.Listing) *escrow.Rental {
	f.t.Helper()
	start := f.now.Unix() + day
	var r *escrow.Rental
	require.NoError(f.t, f.submit(func(stub ledger.Stub) error {
		var err error
		r, err = f.platform.CreateRental(stub, tenant, escrow.Request{
			ListingID:     l.ID,
			Landlord:      l.Landlord,
			DepositAmount: deposit,
			TotalRent:     rent,
			StartDate:     start,
			EndDate:       start + 30*day,
		})
		return err
	}))
	return r
}

func (f *fixture) step(fn func(stub ledger.Stub) (*escrow.Rental, error)) (*escrow.Rental, error) {
	var r *escrow.Rental
	err := f.submit(func(stub ledger.Stub) error {
		var err error
		r, err = fn(stub)
		return err
	})
	return r, err
}

func (f *fixture) mustStep(fn func(stub ledger.Stub) (*escrow.Rental, error)) *escrow.Rental {
	f.t.Helper()
	r, err := f.step(fn)
	require.NoError(f.t, err)
	return r
}

// activeRental walks a fresh rental through deposit and both signatures.
func (f *fixture) activeRental() *escrow.Rental {
	f.t.Helper()
	l := f.mustListing(landlord, "QmActive")
	r := f.mustRental(l)
	f.mint(tenant, deposit)
	f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.MakeDeposit(stub, tenant, r.ID, deposit)
	})
	f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.SignContract(stub, tenant, r.ID, "H2")
	})
	return f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.SignContract(stub, landlord, r.ID, "H2")
	})
}

func (f *fixture) statistics() *Statistics {
	f.t.Helper()
	var s *Statistics
	f.read(func(stub ledger.Stub) error {
		var err error
		s, err = f.platform.Statistics(stub)
		return err
	})
	return s
}

func (f *fixture) reputationOf(user string) *reputation.UserReputation {
	f.t.Helper()
	var rep *reputation.UserReputation
	f.read(func(stub ledger.Stub) error {
		var err error
		rep, err = f.platform.GetUserReputation(stub, user)
		return err
	})
	return rep
}

// ============================================================
// Initialization and governance
// ============================================================

func TestInitializeOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.createListing(landlord, "QmEarly")
	assert.Equal(t, rentalerr.KindNotInitialized, rentalerr.KindOf(err))

	receipt, err := f.ledger.Submit(func(stub ledger.Stub) error {
		_, err := f.platform.Initialize(stub, admin, false)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, receipt.Event)
	assert.Equal(t, EventPlatformInitialized, receipt.Event.Name)

	err = f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Initialize(stub, stranger, false)
		return err
	})
	assert.Equal(t, rentalerr.KindAlreadyInitialized, rentalerr.KindOf(err))

	f.read(func(stub ledger.Stub) error {
		state, err := f.platform.State(stub)
		require.NoError(t, err)
		assert.True(t, state.Initialized)
		assert.Equal(t, admin, state.InitializedBy)

		id, err := f.platform.Identify(stub, admin, "Org1MSP")
		require.NoError(t, err)
		assert.True(t, id.IsAdmin)
		assert.False(t, id.IsArbitrator)
		return nil
	})
}

func TestPauseBlocksMutationsButNotReads(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmPause")

	err := f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Pause(stub, stranger)
		return err
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Pause(stub, admin)
		return err
	}))

	err = f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Pause(stub, admin)
		return err
	})
	assert.Equal(t, rentalerr.KindInvalidState, rentalerr.KindOf(err))

	_, err = f.createListing(landlord, "QmWhilePaused")
	assert.Equal(t, rentalerr.KindPlatformPaused, rentalerr.KindOf(err))

	_, err = f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.CreateRental(stub, tenant, escrow.Request{ListingID: l.ID})
	})
	assert.Equal(t, rentalerr.KindPlatformPaused, rentalerr.KindOf(err))

	f.read(func(stub ledger.Stub) error {
		got, err := f.platform.GetListing(stub, l.ID)
		require.NoError(t, err)
		assert.Equal(t, l.ID, got.ID)
		return nil
	})

	// Governance keeps working while paused.
	f.mint(tenant, 10)
	assert.Equal(t, int64(10), f.balance(tenant))

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Unpause(stub, admin)
		return err
	}))
	f.mustListing(landlord, "QmAfterPause")
}

func TestAdminGovernance(t *testing.T) {
	f := newInitializedFixture(t)

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		return f.platform.GrantAdmin(stub, admin, "admin-2")
	}))
	f.read(func(stub ledger.Stub) error {
		id, err := f.platform.Identify(stub, "admin-2", "")
		require.NoError(t, err)
		assert.True(t, id.IsAdmin)
		return nil
	})

	err := f.submit(func(stub ledger.Stub) error {
		return f.platform.RevokeAdmin(stub, admin, admin)
	})
	assert.Equal(t, rentalerr.KindInvalidInput, rentalerr.KindOf(err))

	err = f.submit(func(stub ledger.Stub) error {
		return f.platform.GrantAdmin(stub, stranger, stranger)
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		return f.platform.RevokeAdmin(stub, "admin-2", admin)
	}))
	err = f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Pause(stub, admin)
		return err
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))
}

func TestEmptyCallerIsRejected(t *testing.T) {
	f := newInitializedFixture(t)
	_, err := f.createListing("", "QmNobody")
	assert.Equal(t, rentalerr.KindInvalidInput, rentalerr.KindOf(err))
}

// ============================================================
// Listings
// ============================================================

func TestDuplicateMetadataAcrossLandlords(t *testing.T) {
	f := newInitializedFixture(t)

	receipt, err := f.ledger.Submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateListing(stub, landlord, listing.Draft{
			Title: "Loft", PricePerDay: 100, DepositAmount: deposit, MetadataHash: "H1",
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, listing.EventCreated, receipt.Event.Name)

	_, err = f.createListing("landlord-2", "H1")
	assert.Equal(t, rentalerr.KindDuplicateMetadata, rentalerr.KindOf(err))

	assert.Equal(t, int64(1), f.statistics().TotalListings)
}

func TestListingQuotaFollowsPlan(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Initialize(stub, admin, true)
		return err
	}))

	for i := 0; i < 3; i++ {
		f.mustListing(landlord, "QmQuota"+strings.Repeat("x", i))
	}
	_, err := f.createListing(landlord, "QmQuotaFourth")
	assert.Equal(t, rentalerr.KindListingLimitExceeded, rentalerr.KindOf(err))

	price, err := subscription.CalculatePrice(subscription.PlanPro, 1)
	require.NoError(t, err)
	f.mint(landlord, price)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateSubscription(stub, landlord, subscription.PlanPro, 1, false, price)
		return err
	}))

	f.mustListing(landlord, "QmQuotaFourth")
	assert.Equal(t, int64(4), f.statistics().TotalListings)
	assert.Equal(t, price, f.balance(funds.TreasuryAccount))
}

func TestListingQueries(t *testing.T) {
	f := newInitializedFixture(t)
	f.mustListing(landlord, "QmOne")
	f.mustListing(landlord, "QmTwo")
	f.mustListing("landlord-2", "QmThree")

	f.read(func(stub ledger.Stub) error {
		all, err := f.platform.GetAllListings(stub)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		mine, err := f.platform.GetListingsByOwner(stub, landlord)
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		none, err := f.platform.GetListingsByOwner(stub, stranger)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
		return nil
	})
}

// ============================================================
// Rentals
// ============================================================

func TestDepositOnceAndStatistics(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmDeposit")
	r := f.mustRental(l)
	f.mint(tenant, 5000)

	got := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.MakeDeposit(stub, tenant, r.ID, deposit)
	})
	assert.Equal(t, escrow.StatusDeposited, got.Status)

	_, err := f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.MakeDeposit(stub, tenant, r.ID, deposit)
	})
	assert.Equal(t, rentalerr.KindAlreadyDeposited, rentalerr.KindOf(err))

	assert.Equal(t, int64(4000), f.balance(tenant))
	assert.Equal(t, deposit, f.balance(funds.EscrowAccount))

	stats := f.statistics()
	assert.Equal(t, int64(1), stats.TotalRentals)
	assert.Equal(t, deposit+rent, stats.TotalVolume)
}

func TestConcurrentDepositsCommitOnce(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmRace")
	r := f.mustRental(l)
	f.mint(tenant, 5000)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
				return f.platform.MakeDeposit(stub, tenant, r.ID, deposit)
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, rentalerr.KindAlreadyDeposited, rentalerr.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 5000-deposit, f.balance(tenant))
}

func TestFailedTransferLeavesNoTrace(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmBroke")
	r := f.mustRental(l)
	f.mint(tenant, deposit-1)

	_, err := f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.MakeDeposit(stub, tenant, r.ID, deposit)
	})
	assert.Equal(t, rentalerr.KindTransferFailed, rentalerr.KindOf(err))

	f.read(func(stub ledger.Stub) error {
		got, err := f.platform.GetRental(stub, r.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusCreated, got.Status)
		assert.False(t, got.DepositPaid)
		return nil
	})
	assert.Equal(t, deposit-1, f.balance(tenant))
	assert.Zero(t, f.balance(funds.EscrowAccount))
}

func TestSignaturesActivateAndPinHash(t *testing.T) {
	f := newInitializedFixture(t)
	r := f.activeRental()
	assert.Equal(t, escrow.StatusActive, r.Status)
	assert.True(t, r.TenantSigned)
	assert.True(t, r.LandlordSigned)

	again := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.SignContract(stub, tenant, r.ID, "H2")
	})
	assert.Equal(t, escrow.StatusActive, again.Status)

	_, err := f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.SignContract(stub, landlord, r.ID, "H3")
	})
	assert.Equal(t, rentalerr.KindHashMismatch, rentalerr.KindOf(err))
}

func TestAgreedReturnRefundsTenant(t *testing.T) {
	f := newInitializedFixture(t)
	r := f.activeRental()

	mid := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.AgreeReturn(stub, landlord, r.ID)
	})
	assert.Equal(t, escrow.StatusActive, mid.Status)

	done := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.AgreeReturn(stub, tenant, r.ID)
	})
	assert.Equal(t, escrow.StatusCompleted, done.Status)
	assert.Equal(t, deposit, f.balance(tenant))
	assert.Zero(t, f.balance(funds.EscrowAccount))
	assert.Equal(t, int64(1), f.reputationOf(tenant).CompletedRentals)
	assert.Equal(t, int64(1), f.reputationOf(landlord).CompletedRentals)
}

func TestCustomReleasePolicy(t *testing.T) {
	f := newInitializedFixture(t, WithReleasePolicy(func(*escrow.Rental) arbitration.Decision {
		return arbitration.FavorLandlord()
	}))
	r := f.activeRental()
	f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.AgreeReturn(stub, landlord, r.ID)
	})
	f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.AgreeReturn(stub, tenant, r.ID)
	})
	assert.Equal(t, deposit, f.balance(landlord))
	assert.Zero(t, f.balance(tenant))
}

func TestCancelAndExpire(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmCancel")

	first := f.mustRental(l)
	cancelled := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.CancelRental(stub, landlord, first.ID)
	})
	assert.Equal(t, escrow.StatusCancelled, cancelled.Status)

	second := f.mustRental(l)
	_, err := f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ExpireRental(stub, stranger, second.ID)
	})
	assert.Equal(t, rentalerr.KindInvalidState, rentalerr.KindOf(err))

	f.now = f.now.Add(2 * 24 * time.Hour)
	expired := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ExpireRental(stub, stranger, second.ID)
	})
	assert.Equal(t, escrow.StatusCancelled, expired.Status)
	assert.Equal(t, int64(2), f.reputationOf(tenant).CancelledRentals)

	f.read(func(stub ledger.Stub) error {
		rentals, err := f.platform.GetRentalsByParty(stub, tenant)
		require.NoError(t, err)
		assert.Len(t, rentals, 2)

		byListing, err := f.platform.GetRentalsByListing(stub, l.ID)
		require.NoError(t, err)
		assert.Len(t, byListing, 2)
		return nil
	})
}

// ============================================================
// Disputes
// ============================================================

func TestDisputeResolvedForLandlord(t *testing.T) {
	f := newInitializedFixture(t)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		return f.platform.GrantArbitrator(stub, admin, arbiter)
	}))
	r := f.activeRental()

	disputed := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.OpenDispute(stub, tenant, r.ID, "property damaged", "QmEvidence")
	})
	assert.Equal(t, escrow.StatusDisputed, disputed.Status)
	assert.Equal(t, int64(1), f.statistics().TotalDisputes)

	_, err := f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ResolveDispute(stub, stranger, r.ID, arbitration.FavorLandlord())
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))

	resolved := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ResolveDispute(stub, arbiter, r.ID, arbitration.FavorLandlord())
	})
	assert.Equal(t, escrow.StatusCompleted, resolved.Status)
	assert.Equal(t, deposit, f.balance(landlord))

	assert.Equal(t, int64(1), f.reputationOf(landlord).CompletedRentals)
	assert.Equal(t, int64(1), f.reputationOf(tenant).DisputeCount)
	assert.Zero(t, f.reputationOf(landlord).DisputeCount)

	f.read(func(stub ledger.Stub) error {
		c, err := f.platform.GetDisputeCase(stub, r.ID)
		require.NoError(t, err)
		assert.Equal(t, arbitration.CaseResolved, c.Status)
		assert.Equal(t, arbiter, c.ResolvedBy)

		cases, err := f.platform.GetDisputeCases(stub)
		require.NoError(t, err)
		assert.Len(t, cases, 1)
		return nil
	})
}

func TestAssignedCaseSplit(t *testing.T) {
	f := newInitializedFixture(t)
	for _, a := range []string{arbiter, "arbiter-2"} {
		a := a
		require.NoError(t, f.submit(func(stub ledger.Stub) error {
			return f.platform.GrantArbitrator(stub, admin, a)
		}))
	}
	r := f.activeRental()
	f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.OpenDispute(stub, landlord, r.ID, "rent unpaid", "")
	})
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.AssignArbitrator(stub, admin, r.ID, "arbiter-2")
		return err
	}))

	split, err := arbitration.Split(2500)
	require.NoError(t, err)

	_, err = f.step(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ResolveDispute(stub, arbiter, r.ID, split)
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))

	resolved := f.mustStep(func(stub ledger.Stub) (*escrow.Rental, error) {
		return f.platform.ResolveDispute(stub, "arbiter-2", r.ID, split)
	})
	assert.Equal(t, escrow.StatusCompleted, resolved.Status)
	assert.Equal(t, int64(250), f.balance(tenant))
	assert.Equal(t, int64(750), f.balance(landlord))
	assert.Equal(t, int64(1), f.reputationOf(tenant).DisputeCount)
	assert.Equal(t, int64(1), f.reputationOf(landlord).DisputeCount)

	f.read(func(stub ledger.Stub) error {
		arbitrators, err := f.platform.Arbitrators(stub)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{arbiter, "arbiter-2"}, arbitrators)
		return nil
	})
}

// ============================================================
// Subscriptions
// ============================================================

func TestSubscriptionExpiresLazily(t *testing.T) {
	f := newInitializedFixture(t)
	price, err := subscription.CalculatePrice(subscription.PlanPremium, 1)
	require.NoError(t, err)
	f.mint(landlord, price)

	err = f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateSubscription(stub, landlord, subscription.PlanPremium, 1, false, price-1)
		return err
	})
	assert.Equal(t, rentalerr.KindPriceMismatch, rentalerr.KindOf(err))

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateSubscription(stub, landlord, subscription.PlanPremium, 1, true, price)
		return err
	}))

	hasBadge := func() bool {
		var ok bool
		f.read(func(stub ledger.Stub) error {
			var err error
			ok, err = f.platform.HasPremiumFeature(stub, landlord, subscription.FeaturePremiumBadge)
			return err
		})
		return ok
	}
	assert.True(t, hasBadge())

	f.now = f.now.Add(time.Duration(subscription.MonthSeconds)*time.Second - time.Second)
	assert.True(t, hasBadge())

	f.now = f.now.Add(time.Second)
	assert.False(t, hasBadge())

	f.read(func(stub ledger.Stub) error {
		s, err := f.platform.GetSubscription(stub, landlord)
		require.NoError(t, err)
		assert.True(t, s.AutoRenew)

		plan, err := f.platform.ActivePlan(stub, landlord)
		require.NoError(t, err)
		assert.Equal(t, subscription.PlanFree, plan)

		history, err := f.platform.GetSubscriptionHistory(stub, landlord)
		require.NoError(t, err)
		assert.Len(t, history, 1)
		return nil
	})

	err = f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.SetAutoRenew(stub, landlord, false)
		return err
	})
	assert.Equal(t, rentalerr.KindInvalidState, rentalerr.KindOf(err))
}

func TestWithdrawFees(t *testing.T) {
	f := newInitializedFixture(t)
	price, err := subscription.CalculatePrice(subscription.PlanPro, 12)
	require.NoError(t, err)
	f.mint(landlord, price)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateSubscription(stub, landlord, subscription.PlanPro, 12, false, price)
		return err
	}))

	err = f.submit(func(stub ledger.Stub) error {
		return f.platform.WithdrawFees(stub, admin, admin, 0)
	})
	assert.Equal(t, rentalerr.KindInvalidInput, rentalerr.KindOf(err))

	err = f.submit(func(stub ledger.Stub) error {
		return f.platform.WithdrawFees(stub, stranger, stranger, price)
	})
	assert.Equal(t, rentalerr.KindUnauthorized, rentalerr.KindOf(err))

	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		return f.platform.WithdrawFees(stub, admin, admin, price)
	}))
	assert.Equal(t, price, f.balance(admin))
	assert.Zero(t, f.balance(funds.TreasuryAccount))
}

// ============================================================
// Reputation
// ============================================================

func TestReviewOncePerRentalAndDirection(t *testing.T) {
	f := newInitializedFixture(t)
	l := f.mustListing(landlord, "QmReview")
	r := f.mustRental(l)

	review := reputation.ReviewInput{
		Reviewee:   landlord,
		Rating:     5,
		Text:       "spotless",
		RentalID:   r.ID,
		ReviewType: reputation.TenantToLandlord,
	}
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateReview(stub, tenant, review)
		return err
	}))

	rep := f.reputationOf(landlord)
	assert.Equal(t, int64(1), rep.TotalReviews)
	assert.Equal(t, int64(500), rep.ReputationScore)

	err := f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.CreateReview(stub, tenant, review)
		return err
	})
	assert.Equal(t, rentalerr.KindDuplicateReview, rentalerr.KindOf(err))

	err = f.submit(func(stub ledger.Stub) error {
		in := review
		in.RentalID = "missing"
		_, err := f.platform.CreateReview(stub, tenant, in)
		return err
	})
	assert.Equal(t, rentalerr.KindNotFound, rentalerr.KindOf(err))

	f.read(func(stub ledger.Stub) error {
		reviews, err := f.platform.GetReviews(stub, landlord)
		require.NoError(t, err)
		require.Len(t, reviews, 1)
		assert.Equal(t, tenant, reviews[0].Reviewer)
		return nil
	})
}

func TestVerifyUserWhilePaused(t *testing.T) {
	f := newInitializedFixture(t)
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.Pause(stub, admin)
		return err
	}))
	require.NoError(t, f.submit(func(stub ledger.Stub) error {
		_, err := f.platform.VerifyUser(stub, admin, landlord, true)
		return err
	}))
	assert.True(t, f.reputationOf(landlord).IsVerified)
}

// ============================================================
// Observability
// ============================================================

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRejectionsAreLoggedAndCounted(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, reg)
	f := newInitializedFixture(t, WithLogger(zap.New(core)), WithMetrics(m))

	f.mustListing(landlord, "QmLogged")
	_, err := f.createListing(landlord, "QmLogged")
	require.Error(t, err)

	rejected := logs.FilterMessage("transaction rejected").All()
	require.Len(t, rejected, 1)
	fields := rejected[0].ContextMap()
	assert.Equal(t, "CreateListing", fields["op"])
	assert.Equal(t, string(rentalerr.KindDuplicateMetadata), fields["kind"])
	assert.Equal(t, landlord, fields["caller"])
	assert.NotEmpty(t, fields["tx_id"])

	assert.Len(t, logs.FilterMessage("transaction committed").All(), 2)

	body := scrape(t, m)
	assert.Contains(t, body, `smartrent_transactions_total{op="CreateListing",outcome="committed"} 1`)
	assert.Contains(t, body, `smartrent_rejections_total{kind="DUPLICATE_METADATA"} 1`)
}
