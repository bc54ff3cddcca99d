package arbitration

import (
	"fmt"
	"strings"

	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// ============================================================
// Decision is the closed set of dispute outcomes
// ============================================================

// Outcome names how a dispute was settled.
type Outcome string

const (
	OutcomeFavorTenant   Outcome = "FAVOR_TENANT"
	OutcomeFavorLandlord Outcome = "FAVOR_LANDLORD"
	OutcomeSplit         Outcome = "SPLIT"
)

// MaxBps is the whole escrowed deposit in basis points.
const MaxBps = 10_000

// Decision is an arbitrator's ruling on the escrowed deposit.
// TenantShareBps is only meaningful for OutcomeSplit.
type Decision struct {
	Outcome        Outcome `json:"outcome"`
	TenantShareBps int64   `json:"tenantShareBps"`
}

// FavorTenant returns the whole deposit to the tenant.
func FavorTenant() Decision { return Decision{Outcome: OutcomeFavorTenant, TenantShareBps: MaxBps} }

// FavorLandlord awards the whole deposit to the landlord.
func FavorLandlord() Decision { return Decision{Outcome: OutcomeFavorLandlord} }

// Split gives the tenant bps/10000 of the deposit and the landlord the rest.
func Split(bps int64) (Decision, error) {
	d := Decision{Outcome: OutcomeSplit, TenantShareBps: bps}
	return d, d.Validate()
}

// ParseDecision builds a decision from its wire form. Outcome names are
// case-insensitive; the share is ignored unless the outcome is SPLIT.
func ParseDecision(outcome string, tenantShareBps int64) (Decision, error) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(outcome))) {
	case OutcomeFavorTenant:
		return FavorTenant(), nil
	case OutcomeFavorLandlord:
		return FavorLandlord(), nil
	case OutcomeSplit:
		return Split(tenantShareBps)
	default:
		return Decision{}, rentalerr.New(rentalerr.KindInvalidInput, "unknown outcome '%s', expected one of %s, %s, %s",
			outcome, OutcomeFavorTenant, OutcomeFavorLandlord, OutcomeSplit)
	}
}

// Validate checks the decision is well formed.
func (d Decision) Validate() error {
	switch d.Outcome {
	case OutcomeFavorTenant, OutcomeFavorLandlord:
		return nil
	case OutcomeSplit:
		if d.TenantShareBps < 0 || d.TenantShareBps > MaxBps {
			return rentalerr.New(rentalerr.KindInvalidInput, "split share must be within [0, %d] bps, got %d", MaxBps, d.TenantShareBps)
		}
		return nil
	default:
		return rentalerr.New(rentalerr.KindInvalidInput, "unknown outcome '%s'", d.Outcome)
	}
}

// Shares divides deposit between the parties. The landlord receives
// any rounding remainder.
func (d Decision) Shares(deposit int64) (tenant, landlord int64) {
	switch d.Outcome {
	case OutcomeFavorTenant:
		return deposit, 0
	case OutcomeFavorLandlord:
		return 0, deposit
	default:
		// deposit*bps can overflow for very large deposits; split the
		// multiplication across quotient and remainder.
		tenant = (deposit/MaxBps)*d.TenantShareBps + (deposit%MaxBps)*d.TenantShareBps/MaxBps
		return tenant, deposit - tenant
	}
}

func (d Decision) String() string {
	if d.Outcome == OutcomeSplit {
		return fmt.Sprintf("%s(%d)", d.Outcome, d.TenantShareBps)
	}
	return string(d.Outcome)
}

// ============================================================
// Case is the docket entry for one disputed rental
// ============================================================

// Case statuses.
const (
	CaseOpen     = "OPEN"
	CaseResolved = "RESOLVED"
)

// Case is the arbitration record of a disputed rental.
type Case struct {
	DocType        string              `json:"docType"`
	RentalID       string              `json:"rentalId"`
	Tenant         string              `json:"tenantId"`
	Landlord       string              `json:"landlordId"`
	OpenedBy       string              `json:"openedBy"`
	Reason         string              `json:"reason"`
	EvidenceHash   string              `json:"evidenceHash"`
	OpenedAt       int64               `json:"openedAt"`
	Status         string              `json:"status"`
	Arbitrator     string              `json:"arbitratorId"`
	AssignedAt     int64               `json:"assignedAt"`
	Outcome        Outcome             `json:"outcome"`
	TenantShareBps int64               `json:"tenantShareBps"`
	ResolvedBy     string              `json:"resolvedBy"`
	ResolvedAt     int64               `json:"resolvedAt"`
	StatusHistory  []ledger.StatusEntry `json:"statusHistory"`
	TxID           string              `json:"txId"`
}

// Filing is what the escrow hands the docket when a dispute opens.
type Filing struct {
	RentalID     string
	Tenant       string
	Landlord     string
	OpenedBy     string
	Reason       string
	EvidenceHash string
}

// Ruling is a resolved case, ready to be applied to the rental.
type Ruling struct {
	RentalID   string
	Arbitrator string
	Decision   Decision
}

// ============================================================
// Events
// ============================================================

const (
	EventCaseOpened         = "DISPUTE_CASE_OPENED"
	EventArbitratorAssigned = "ARBITRATOR_ASSIGNED"
	EventCaseResolved       = "DISPUTE_CASE_RESOLVED"
	EventArbitratorGranted  = "ARBITRATOR_GRANTED"
	EventArbitratorRevoked  = "ARBITRATOR_REVOKED"
)

// CaseEvent is emitted on every docket transition.
type CaseEvent struct {
	Type           string  `json:"type"`
	RentalID       string  `json:"rentalId"`
	Status         string  `json:"status"`
	Arbitrator     string  `json:"arbitratorId,omitempty"`
	Outcome        Outcome `json:"outcome,omitempty"`
	TenantShareBps int64   `json:"tenantShareBps,omitempty"`
	TxID           string  `json:"txId"`
	Timestamp      int64   `json:"timestamp"`
}

// RoleEvent is emitted when the arbitrator set changes.
type RoleEvent struct {
	Type       string `json:"type"`
	Arbitrator string `json:"arbitratorId"`
	ChangedBy  string `json:"changedBy"`
	TxID       string `json:"txId"`
	Timestamp  int64  `json:"timestamp"`
}
