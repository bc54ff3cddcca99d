// Package platform is the single entry point of the rental platform. It
// composes the listing registry, the rental escrow, the arbitration
// authority, the subscription ledger and the reputation ledger, applies
// the global pause switch and keeps the platform statistics.
package platform

import (
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/smartrent/chaincode/internal/access"
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

// Capability table scopes.
const (
	ScopePlatform    = "platform"
	ScopeListing     = "listing"
	ScopeEscrow      = "escrow"
	ScopeArbitration = "arbitration"
	ScopeReputation  = "reputation"
)

// Platform wires the subsystems together. It holds no state of its own
// outside the ledger, so one Platform may serve any number of stubs.
type Platform struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	admins *access.Table
	tables []*access.Table

	vault         *funds.Vault
	listings      *listing.Registry
	escrow        *escrow.Escrow
	authority     *arbitration.Authority
	subscriptions *subscription.Ledger
	reputation    *reputation.Ledger
}

// Option configures a Platform.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	release escrow.ReleasePolicy
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics sink. The default records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReleasePolicy sets how the deposit is split when both parties
// agree the rental is over.
func WithReleasePolicy(p escrow.ReleasePolicy) Option {
	return func(o *options) { o.release = p }
}

// New builds a Platform with one capability table per subsystem.
func New(opts ...Option) *Platform {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	admins := access.NewTable(ScopePlatform)
	listingRoles := access.NewTable(ScopeListing)
	escrowRoles := access.NewTable(ScopeEscrow)
	arbitrationRoles := access.NewTable(ScopeArbitration)
	reputationRoles := access.NewTable(ScopeReputation)

	p := &Platform{
		logger:  o.logger,
		metrics: o.metrics,
		admins:  admins,
		tables:  []*access.Table{admins, listingRoles, escrowRoles, arbitrationRoles, reputationRoles},
		vault:   funds.NewVault(),
	}
	p.listings = listing.NewRegistry(listingRoles)
	p.authority = arbitration.NewAuthority(arbitrationRoles)
	p.subscriptions = subscription.NewLedger(p.vault)
	p.reputation = reputation.NewLedger(reputationRoles)

	var escrowOpts []escrow.Option
	if o.release != nil {
		escrowOpts = append(escrowOpts, escrow.WithReleasePolicy(o.release))
	}
	p.escrow = escrow.NewEscrow(p.listings, p.vault, p.authority, p.reputation, escrowRoles, escrowOpts...)
	return p
}

// ============================================================
// Transaction runner
// ============================================================

type gate int

const (
	// gateNone runs before the platform exists.
	gateNone gate = iota
	// gateGovernance requires initialization but ignores the pause flag.
	gateGovernance
	// gateOpen requires an initialized, unpaused platform.
	gateOpen
)

// run executes fn as one all-or-nothing unit. A stub that is already a
// Txn (Local.Submit) is used as is and committed by its owner; a peer
// stub is wrapped and committed here once fn succeeds.
func (p *Platform) run(stub ledger.Stub, op, caller string, g gate, fn func(tx *ledger.Txn) error) (err error) {
	start := time.Now()
	defer func() { p.observe(stub, op, caller, start, err) }()

	if err := access.ValidateIdentity(caller); err != nil {
		return err
	}

	tx, owned := stub.(*ledger.Txn)
	if !owned {
		tx = ledger.Begin(stub)
	}

	if g != gateNone {
		state, err := p.loadState(tx)
		if err != nil {
			return err
		}
		if !state.Initialized {
			return rentalerr.New(rentalerr.KindNotInitialized, "platform has not been initialized")
		}
		if g == gateOpen && state.Paused {
			return rentalerr.New(rentalerr.KindPlatformPaused, "platform is paused")
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if owned {
		return nil
	}
	return tx.Commit()
}

func (p *Platform) observe(stub ledger.Stub, op, caller string, start time.Time, err error) {
	elapsed := time.Since(start)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("tx_id", stub.GetTxID()),
		zap.String("caller", caller),
		zap.Duration("duration", elapsed),
	}

	var rejection *rentalerr.Error
	switch {
	case err == nil:
		p.metrics.RecordTransaction(op, metrics.OutcomeCommitted, "", elapsed)
		p.logger.Debug("transaction committed", fields...)
	case errors.As(err, &rejection):
		p.metrics.RecordTransaction(op, metrics.OutcomeRejected, string(rejection.Kind), elapsed)
		p.logger.Warn("transaction rejected", append(fields, zap.String("kind", string(rejection.Kind)), zap.Error(err))...)
	default:
		p.metrics.RecordTransaction(op, metrics.OutcomeFailed, "", elapsed)
		p.logger.Error("transaction failed", append(fields, zap.Error(err))...)
	}
}

// ============================================================
// Platform state
// ============================================================

func stateKey(stub ledger.Stub, name string) (string, error) {
	return stub.CreateCompositeKey(KeyPrefixPlatform, []string{name})
}

func (p *Platform) loadState(stub ledger.Stub) (*State, error) {
	key, err := stateKey(stub, stateKeyName)
	if err != nil {
		return nil, err
	}
	state := &State{DocType: "platformState"}
	if _, err := ledger.GetJSON(stub, key, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Platform) putState(stub ledger.Stub, state *State) error {
	key, err := stateKey(stub, stateKeyName)
	if err != nil {
		return err
	}
	return ledger.PutJSON(stub, key, state)
}

func (p *Platform) loadStatistics(stub ledger.Stub) (*Statistics, error) {
	key, err := stateKey(stub, statisticsKeyName)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{DocType: "platformStatistics"}
	if _, err := ledger.GetJSON(stub, key, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// bumpStatistics applies fn to the running totals and emits the result.
func (p *Platform) bumpStatistics(stub ledger.Stub, fn func(s *Statistics) error) error {
	stats, err := p.loadStatistics(stub)
	if err != nil {
		return err
	}
	if err := fn(stats); err != nil {
		return err
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	stats.UpdatedAt = now

	key, err := stateKey(stub, statisticsKeyName)
	if err != nil {
		return err
	}
	if err := ledger.PutJSON(stub, key, stats); err != nil {
		return err
	}
	return ledger.EmitEvent(stub, EventStatisticsUpdated, StatisticsEvent{
		Type:          EventStatisticsUpdated,
		TotalListings: stats.TotalListings,
		TotalRentals:  stats.TotalRentals,
		TotalDisputes: stats.TotalDisputes,
		TotalVolume:   stats.TotalVolume,
		TxID:          stub.GetTxID(),
		Timestamp:     now,
	})
}

func addVolume(s *Statistics, amount int64) error {
	if amount < 0 || s.TotalVolume > math.MaxInt64-amount {
		return rentalerr.New(rentalerr.KindInvalidInput, "rental volume %d cannot be added to the total", amount)
	}
	s.TotalVolume += amount
	return nil
}

// ============================================================
// Governance
// ============================================================

// Initialize creates the platform and makes caller its first admin in
// every capability table. It can only succeed once.
func (p *Platform) Initialize(stub ledger.Stub, caller string, enforceListingQuota bool) (*State, error) {
	var state *State
	err := p.run(stub, "InitializePlatform", caller, gateNone, func(tx *ledger.Txn) error {
		var err error
		if state, err = p.loadState(tx); err != nil {
			return err
		}
		if state.Initialized {
			return rentalerr.New(rentalerr.KindAlreadyInitialized, "platform was initialized by %s", state.InitializedBy)
		}
		now, err := ledger.Now(tx)
		if err != nil {
			return err
		}
		for _, table := range p.tables {
			if err := table.Grant(tx, caller, access.RoleAdmin, caller); err != nil {
				return err
			}
		}

		state.Initialized = true
		state.InitializedBy = caller
		state.InitializedAt = now
		state.EnforceListingQuota = enforceListingQuota
		state.UpdatedAt = now
		state.UpdatedBy = caller
		state.TxID = tx.GetTxID()
		if err := p.putState(tx, state); err != nil {
			return err
		}
		return p.emitState(tx, EventPlatformInitialized, state, caller)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Pause halts every non-governance mutation. Reads keep working.
func (p *Platform) Pause(stub ledger.Stub, caller string) (*State, error) {
	return p.setPaused(stub, "Pause", caller, true)
}

// Unpause lifts the pause.
func (p *Platform) Unpause(stub ledger.Stub, caller string) (*State, error) {
	return p.setPaused(stub, "Unpause", caller, false)
}

func (p *Platform) setPaused(stub ledger.Stub, op, caller string, paused bool) (*State, error) {
	var state *State
	err := p.run(stub, op, caller, gateGovernance, func(tx *ledger.Txn) error {
		if err := p.admins.Require(tx, caller, access.RoleAdmin); err != nil {
			return err
		}
		var err error
		if state, err = p.loadState(tx); err != nil {
			return err
		}
		if state.Paused == paused {
			return rentalerr.New(rentalerr.KindInvalidState, "platform paused is already %t", paused)
		}
		now, err := ledger.Now(tx)
		if err != nil {
			return err
		}
		state.Paused = paused
		state.UpdatedAt = now
		state.UpdatedBy = caller
		state.TxID = tx.GetTxID()
		if err := p.putState(tx, state); err != nil {
			return err
		}
		event := EventPlatformUnpaused
		if paused {
			event = EventPlatformPaused
		}
		return p.emitState(tx, event, state, caller)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (p *Platform) emitState(stub ledger.Stub, name string, state *State, actor string) error {
	return ledger.EmitEvent(stub, name, StateEvent{
		Type:      name,
		Paused:    state.Paused,
		Actor:     actor,
		TxID:      stub.GetTxID(),
		Timestamp: state.UpdatedAt,
	})
}

// GrantAdmin makes identity an admin of every subsystem.
func (p *Platform) GrantAdmin(stub ledger.Stub, caller, identity string) error {
	return p.run(stub, "GrantAdmin", caller, gateGovernance, func(tx *ledger.Txn) error {
		if err := p.admins.Require(tx, caller, access.RoleAdmin); err != nil {
			return err
		}
		for _, table := range p.tables {
			if err := table.Grant(tx, identity, access.RoleAdmin, caller); err != nil {
				return err
			}
		}
		return p.emitAdmin(tx, EventAdminGranted, identity, caller)
	})
}

// RevokeAdmin removes identity from every admin set. An admin cannot
// revoke themselves, so the platform always keeps at least one.
func (p *Platform) RevokeAdmin(stub ledger.Stub, caller, identity string) error {
	return p.run(stub, "RevokeAdmin", caller, gateGovernance, func(tx *ledger.Txn) error {
		if err := p.admins.Require(tx, caller, access.RoleAdmin); err != nil {
			return err
		}
		if identity == caller {
			return rentalerr.New(rentalerr.KindInvalidInput, "admins cannot revoke themselves")
		}
		for _, table := range p.tables {
			if err := table.Revoke(tx, identity, access.RoleAdmin); err != nil {
				return err
			}
		}
		return p.emitAdmin(tx, EventAdminRevoked, identity, caller)
	})
}

func (p *Platform) emitAdmin(stub ledger.Stub, name, admin, caller string) error {
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	return ledger.EmitEvent(stub, name, AdminEvent{
		Type:      name,
		Admin:     admin,
		ChangedBy: caller,
		TxID:      stub.GetTxID(),
		Timestamp: now,
	})
}

// GrantArbitrator lets identity resolve disputes.
func (p *Platform) GrantArbitrator(stub ledger.Stub, caller, identity string) error {
	return p.run(stub, "GrantArbitrator", caller, gateGovernance, func(tx *ledger.Txn) error {
		return p.authority.GrantArbitrator(tx, caller, identity)
	})
}

// RevokeArbitrator withdraws the arbitrator role.
func (p *Platform) RevokeArbitrator(stub ledger.Stub, caller, identity string) error {
	return p.run(stub, "RevokeArbitrator", caller, gateGovernance, func(tx *ledger.Txn) error {
		return p.authority.RevokeArbitrator(tx, caller, identity)
	})
}

// VerifyUser sets the verified badge on a user's reputation.
func (p *Platform) VerifyUser(stub ledger.Stub, caller, user string, verified bool) (*reputation.UserReputation, error) {
	var rep *reputation.UserReputation
	err := p.run(stub, "VerifyUser", caller, gateGovernance, func(tx *ledger.Txn) error {
		var err error
		rep, err = p.reputation.Verify(tx, caller, user, verified)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// MintFunds credits account out of thin air. It is the admin on-ramp
// into the balance book.
func (p *Platform) MintFunds(stub ledger.Stub, caller, account string, amount int64) (int64, error) {
	var balance int64
	err := p.run(stub, "MintFunds", caller, gateGovernance, func(tx *ledger.Txn) error {
		if err := p.admins.Require(tx, caller, access.RoleAdmin); err != nil {
			return err
		}
		if err := p.vault.Mint(tx, account, amount); err != nil {
			return err
		}
		var err error
		balance, err = p.vault.Balance(tx, account)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// WithdrawFees moves collected subscription fees from the treasury.
func (p *Platform) WithdrawFees(stub ledger.Stub, caller, to string, amount int64) error {
	return p.run(stub, "WithdrawFees", caller, gateGovernance, func(tx *ledger.Txn) error {
		if err := p.admins.Require(tx, caller, access.RoleAdmin); err != nil {
			return err
		}
		return p.vault.WithdrawFees(tx, to, amount)
	})
}

// ============================================================
// Reads
// ============================================================

// State returns the platform switchboard.
func (p *Platform) State(stub ledger.Stub) (*State, error) {
	return p.loadState(stub)
}

// Statistics returns the running totals.
func (p *Platform) Statistics(stub ledger.Stub) (*Statistics, error) {
	return p.loadStatistics(stub)
}

// Identify reports the roles id holds.
func (p *Platform) Identify(stub ledger.Stub, id, mspID string) (*Identity, error) {
	isAdmin, err := p.admins.Has(stub, id, access.RoleAdmin)
	if err != nil {
		return nil, err
	}
	isArbitrator, err := p.authority.IsArbitrator(stub, id)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, MSPID: mspID, IsAdmin: isAdmin, IsArbitrator: isArbitrator}, nil
}

// BalanceOf returns the funds held by account.
func (p *Platform) BalanceOf(stub ledger.Stub, account string) (int64, error) {
	return p.vault.Balance(stub, account)
}

// Arbitrators lists the identities allowed to resolve disputes.
func (p *Platform) Arbitrators(stub ledger.Stub) ([]string, error) {
	return p.authority.Arbitrators(stub)
}
