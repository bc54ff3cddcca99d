package arbitration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

func newAuthority(t *testing.T) (*ledger.Local, *Authority) {
	t.Helper()
	l := ledger.NewLocal()
	roles := access.NewTable("arbitration")
	a := NewAuthority(roles)
	_, err := l.Submit(func(stub ledger.Stub) error {
		if err := roles.Grant(stub, "admin", access.RoleAdmin, "admin"); err != nil {
			return err
		}
		if err := a.GrantArbitrator(stub, "admin", "arb1"); err != nil {
			return err
		}
		return a.GrantArbitrator(stub, "admin", "arb2")
	})
	require.NoError(t, err)
	return l, a
}

func fileCase(t *testing.T, l *ledger.Local, a *Authority, rentalID string) {
	t.Helper()
	_, err := l.Submit(func(stub ledger.Stub) error {
		_, err := a.OpenCase(stub, Filing{
			RentalID: rentalID,
			Tenant:   "tenant",
			Landlord: "landlord",
			OpenedBy: "tenant",
			Reason:   "property damaged",
		})
		return err
	})
	require.NoError(t, err)
}

func TestDecisionShares(t *testing.T) {
	tenant, landlord := FavorTenant().Shares(1000)
	assert.Equal(t, int64(1000), tenant)
	assert.Zero(t, landlord)

	tenant, landlord = FavorLandlord().Shares(1000)
	assert.Zero(t, tenant)
	assert.Equal(t, int64(1000), landlord)

	split, err := Split(3333)
	require.NoError(t, err)
	tenant, landlord = split.Shares(1001)
	assert.Equal(t, int64(333), tenant)
	assert.Equal(t, int64(668), landlord)

	_, err = Split(10_001)
	assert.True(t, errors.Is(err, rentalerr.ErrInvalidInput))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("favor_landlord", 77)
	require.NoError(t, err)
	assert.Equal(t, FavorLandlord(), d)

	d, err = ParseDecision("SPLIT", 5000)
	require.NoError(t, err)
	assert.Equal(t, "SPLIT(5000)", d.String())

	_, err = ParseDecision("coin flip", 0)
	assert.True(t, errors.Is(err, rentalerr.ErrInvalidInput))
}

func TestGrantRequiresAdmin(t *testing.T) {
	l, a := newAuthority(t)

	_, err := l.Submit(func(stub ledger.Stub) error { return a.GrantArbitrator(stub, "arb1", "arb3") })
	assert.True(t, errors.Is(err, rentalerr.ErrUnauthorized))

	require.NoError(t, l.Read(func(stub ledger.Stub) error {
		arbitrators, err := a.Arbitrators(stub)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"arb1", "arb2"}, arbitrators)
		return nil
	}))
}

func TestResolveRequiresArbitratorAndOpenCase(t *testing.T) {
	l, a := newAuthority(t)

	_, err := l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "arb1", "r1", FavorTenant())
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrInvalidState))

	fileCase(t, l, a, "r1")

	_, err = l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "stranger", "r1", FavorTenant())
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrUnauthorized))

	_, err = l.Submit(func(stub ledger.Stub) error {
		ruling, err := a.Resolve(stub, "arb1", "r1", FavorLandlord())
		if err == nil {
			assert.Equal(t, OutcomeFavorLandlord, ruling.Decision.Outcome)
		}
		return err
	})
	require.NoError(t, err)

	_, err = l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "arb2", "r1", FavorTenant())
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrInvalidState))

	require.NoError(t, l.Read(func(stub ledger.Stub) error {
		c, err := a.Case(stub, "r1")
		require.NoError(t, err)
		assert.Equal(t, CaseResolved, c.Status)
		assert.Equal(t, "arb1", c.ResolvedBy)
		assert.Len(t, c.StatusHistory, 2)
		return nil
	}))
}

func TestAssignedCaseOnlyResolvedByAssignee(t *testing.T) {
	l, a := newAuthority(t)
	fileCase(t, l, a, "r1")

	_, err := l.Submit(func(stub ledger.Stub) error {
		_, err := a.Assign(stub, "admin", "r1", "arb2")
		return err
	})
	require.NoError(t, err)

	_, err = l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "arb1", "r1", FavorTenant())
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrUnauthorized))

	_, err = l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "arb2", "r1", FavorTenant())
		return err
	})
	require.NoError(t, err)
}

func TestOpenCaseTwiceFails(t *testing.T) {
	l, a := newAuthority(t)
	fileCase(t, l, a, "r1")

	_, err := l.Submit(func(stub ledger.Stub) error {
		_, err := a.OpenCase(stub, Filing{RentalID: "r1", Reason: "again"})
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrInvalidState))
}

func TestPartyCannotArbitrate(t *testing.T) {
	l, a := newAuthority(t)
	_, err := l.Submit(func(stub ledger.Stub) error { return a.GrantArbitrator(stub, "admin", "landlord") })
	require.NoError(t, err)
	fileCase(t, l, a, "r1")

	_, err = l.Submit(func(stub ledger.Stub) error {
		_, err := a.Resolve(stub, "landlord", "r1", FavorLandlord())
		return err
	})
	assert.True(t, errors.Is(err, rentalerr.ErrUnauthorized))
}
