// Package arbitration keeps the arbitrator role set and the dispute
// docket. The authority decides cases; applying a ruling to the rental
// and its escrowed funds is the escrow's job.
package arbitration

import (
	"fmt"
	"iter"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// KeyPrefixCase is the prefix for docket entries: DISPUTE_CASE~{rentalId}
const KeyPrefixCase = "DISPUTE_CASE"

// Authority manages arbitrators and dispute cases. Its capability table
// holds both the admins that govern the arbitrator set and the
// arbitrators themselves.
type Authority struct {
	roles *access.Table
}

// NewAuthority returns an authority backed by roles.
func NewAuthority(roles *access.Table) *Authority {
	return &Authority{roles: roles}
}

// ============================================================
// Arbitrator role set
// ============================================================

// GrantArbitrator adds identity to the arbitrator set. Admin only.
func (a *Authority) GrantArbitrator(stub ledger.Stub, caller, identity string) error {
	if err := a.roles.Require(stub, caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := a.roles.Grant(stub, identity, access.RoleArbitrator, caller); err != nil {
		return err
	}
	return a.emitRole(stub, EventArbitratorGranted, identity, caller)
}

// RevokeArbitrator removes identity from the arbitrator set. Cases
// already assigned to it stay assigned but can no longer be resolved by
// it until an admin reassigns them.
func (a *Authority) RevokeArbitrator(stub ledger.Stub, caller, identity string) error {
	if err := a.roles.Require(stub, caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := a.roles.Revoke(stub, identity, access.RoleArbitrator); err != nil {
		return err
	}
	return a.emitRole(stub, EventArbitratorRevoked, identity, caller)
}

// IsArbitrator reports whether identity may resolve disputes.
func (a *Authority) IsArbitrator(stub ledger.Stub, identity string) (bool, error) {
	return a.roles.Has(stub, identity, access.RoleArbitrator)
}

// Arbitrators lists the current arbitrator set.
func (a *Authority) Arbitrators(stub ledger.Stub) ([]string, error) {
	return a.roles.Members(stub, access.RoleArbitrator)
}

// ============================================================
// Docket
// ============================================================

// OpenCase files a dispute for a rental. A rental is disputed at most
// once, so an existing case fails with INVALID_STATE.
func (a *Authority) OpenCase(stub ledger.Stub, f Filing) (*Case, error) {
	key, err := caseKey(stub, f.RentalID)
	if err != nil {
		return nil, err
	}
	exists, err := ledger.Exists(stub, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s already has a dispute case", f.RentalID)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	c := &Case{
		DocType:      "disputeCase",
		RentalID:     f.RentalID,
		Tenant:       f.Tenant,
		Landlord:     f.Landlord,
		OpenedBy:     f.OpenedBy,
		Reason:       f.Reason,
		EvidenceHash: f.EvidenceHash,
		OpenedAt:     now,
		Status:       CaseOpen,
		StatusHistory: []ledger.StatusEntry{
			{Status: CaseOpen, At: now, By: f.OpenedBy, TxID: stub.GetTxID()},
		},
		TxID: stub.GetTxID(),
	}
	if err := ledger.PutJSON(stub, key, c); err != nil {
		return nil, err
	}
	return c, a.emitCase(stub, EventCaseOpened, c, now)
}

// Assign hands an open case to a specific arbitrator. Admin only. The
// arbitrator must hold the role and may not be a party to the rental.
func (a *Authority) Assign(stub ledger.Stub, caller, rentalID, arbitrator string) (*Case, error) {
	if err := a.roles.Require(stub, caller, access.RoleAdmin); err != nil {
		return nil, err
	}
	ok, err := a.IsArbitrator(stub, arbitrator)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "%s is not an arbitrator", arbitrator)
	}
	c, err := a.openCase(stub, rentalID)
	if err != nil {
		return nil, err
	}
	if arbitrator == c.Tenant || arbitrator == c.Landlord {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "arbitrator %s is a party to rental %s", arbitrator, rentalID)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	c.Arbitrator = arbitrator
	c.AssignedAt = now
	c.TxID = stub.GetTxID()
	if err := a.put(stub, c); err != nil {
		return nil, err
	}
	return c, a.emitCase(stub, EventArbitratorAssigned, c, now)
}

// Resolve decides an open case. The caller must hold the arbitrator
// role, must not be a party, and must be the assigned arbitrator if the
// case has one.
func (a *Authority) Resolve(stub ledger.Stub, caller, rentalID string, d Decision) (*Ruling, error) {
	ok, err := a.IsArbitrator(stub, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "arbitrator role required to resolve disputes")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c, err := a.openCase(stub, rentalID)
	if err != nil {
		return nil, err
	}
	if caller == c.Tenant || caller == c.Landlord {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "a party cannot arbitrate its own rental")
	}
	if c.Arbitrator != "" && c.Arbitrator != caller {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "rental %s is assigned to another arbitrator", rentalID)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	c.Status = CaseResolved
	c.Arbitrator = caller
	c.Outcome = d.Outcome
	c.TenantShareBps = d.TenantShareBps
	c.ResolvedBy = caller
	c.ResolvedAt = now
	c.TxID = stub.GetTxID()
	c.StatusHistory = append(c.StatusHistory, ledger.StatusEntry{
		Status: CaseResolved, At: now, By: caller, TxID: c.TxID,
	})
	if err := a.put(stub, c); err != nil {
		return nil, err
	}
	if err := a.emitCase(stub, EventCaseResolved, c, now); err != nil {
		return nil, err
	}
	return &Ruling{RentalID: rentalID, Arbitrator: caller, Decision: d}, nil
}

// Case returns the docket entry for a rental or fails with NOT_FOUND.
func (a *Authority) Case(stub ledger.Stub, rentalID string) (*Case, error) {
	key, err := caseKey(stub, rentalID)
	if err != nil {
		return nil, err
	}
	var c Case
	found, err := ledger.GetJSON(stub, key, &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rentalerr.New(rentalerr.KindNotFound, "no dispute case for rental %s", rentalID)
	}
	return &c, nil
}

// Cases yields every docket entry.
func (a *Authority) Cases(stub ledger.Stub) iter.Seq2[Case, error] {
	return ledger.Records[Case](ledger.Values(stub, KeyPrefixCase))
}

// ============================================================
// Helpers
// ============================================================

// openCase loads a case that is still awaiting a ruling. A rental with
// no case, or a decided one, is not in the disputed state.
func (a *Authority) openCase(stub ledger.Stub, rentalID string) (*Case, error) {
	c, err := a.Case(stub, rentalID)
	if rentalerr.KindOf(err) == rentalerr.KindNotFound {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is not disputed", rentalID)
	}
	if err != nil {
		return nil, err
	}
	if c.Status != CaseOpen {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "dispute for rental %s is already %s", rentalID, c.Status)
	}
	return c, nil
}

func (a *Authority) put(stub ledger.Stub, c *Case) error {
	key, err := caseKey(stub, c.RentalID)
	if err != nil {
		return err
	}
	return ledger.PutJSON(stub, key, c)
}

func caseKey(stub ledger.Stub, rentalID string) (string, error) {
	if rentalID == "" {
		return "", rentalerr.New(rentalerr.KindInvalidInput, "rentalId cannot be empty")
	}
	key, err := stub.CreateCompositeKey(KeyPrefixCase, []string{rentalID})
	if err != nil {
		return "", fmt.Errorf("failed to create case key: %w", err)
	}
	return key, nil
}

func (a *Authority) emitCase(stub ledger.Stub, name string, c *Case, now int64) error {
	return ledger.EmitEvent(stub, name, CaseEvent{
		Type:           name,
		RentalID:       c.RentalID,
		Status:         c.Status,
		Arbitrator:     c.Arbitrator,
		Outcome:        c.Outcome,
		TenantShareBps: c.TenantShareBps,
		TxID:           stub.GetTxID(),
		Timestamp:      now,
	})
}

func (a *Authority) emitRole(stub ledger.Stub, name, arbitrator, caller string) error {
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	return ledger.EmitEvent(stub, name, RoleEvent{
		Type:       name,
		Arbitrator: arbitrator,
		ChangedBy:  caller,
		TxID:       stub.GetTxID(),
		Timestamp:  now,
	})
}
