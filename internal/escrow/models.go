package escrow

import (
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// ============================================================
// Rental lifecycle
// ============================================================

// Status is the lifecycle state of a rental.
type Status string

const (
	// StatusCreated is the state of a fresh rental. It is already
	// awaiting the tenant's deposit.
	StatusCreated   Status = "CREATED"
	StatusDeposited Status = "DEPOSITED"
	// StatusSigned is passed through when the second party signs; a
	// rental never rests in it.
	StatusSigned    Status = "SIGNED"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusDisputed  Status = "DISPUTED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the directed graph every status change follows.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusDeposited, StatusCancelled},
	StatusDeposited: {StatusSigned, StatusDisputed, StatusCancelled},
	StatusSigned:    {StatusActive, StatusDisputed},
	StatusActive:    {StatusCompleted, StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the graph has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Rental is an agreement between a tenant and a landlord over a
// listing. Amounts are minor units, dates Unix seconds.
type Rental struct {
	DocType              string               `json:"docType"`
	ID                   string               `json:"id"`
	ListingID            string               `json:"listingId"`
	Tenant               string               `json:"tenantId"`
	Landlord             string               `json:"landlordId"`
	DepositAmount        int64                `json:"depositAmount"`
	TotalRent            int64                `json:"totalRent"`
	StartDate            int64                `json:"startDate"`
	EndDate              int64                `json:"endDate"`
	Status               Status               `json:"status"`
	ContractHash         string               `json:"contractHash"`
	TenantSigned         bool                 `json:"tenantSigned"`
	LandlordSigned       bool                 `json:"landlordSigned"`
	DepositPaid          bool                 `json:"depositPaid"`
	EscrowBalance        int64                `json:"escrowBalance"`
	TenantAgreedReturn   bool                 `json:"tenantAgreedReturn"`
	LandlordAgreedReturn bool                 `json:"landlordAgreedReturn"`
	ArbitratorID         string               `json:"arbitratorId,omitempty"`
	DisputeOpenedAt      int64                `json:"disputeOpenedAt,omitempty"`
	DisputeOpenedBy      string               `json:"disputeOpenedBy,omitempty"`
	DisputeReason        string               `json:"disputeReason,omitempty"`
	DisputeEvidenceHash  string               `json:"disputeEvidenceHash,omitempty"`
	Resolution           string               `json:"resolution,omitempty"`
	TenantPayout         int64                `json:"tenantPayout"`
	LandlordPayout       int64                `json:"landlordPayout"`
	CreatedAt            int64                `json:"createdAt"`
	UpdatedAt            int64                `json:"updatedAt"`
	StatusHistory        []ledger.StatusEntry `json:"statusHistory"`
	TxID                 string               `json:"txId"`
}

// IsParty reports whether id is the tenant or the landlord.
func (r *Rental) IsParty(id string) bool {
	return id != "" && (id == r.Tenant || id == r.Landlord)
}

// Counterparty returns the other party to id.
func (r *Rental) Counterparty(id string) string {
	if id == r.Tenant {
		return r.Landlord
	}
	return r.Tenant
}

// transition moves the rental along one edge of the lifecycle graph.
func (r *Rental) transition(next Status, at int64, by, txID string) error {
	if !r.Status.CanTransition(next) {
		return rentalerr.New(rentalerr.KindInvalidState, "rental %s cannot move from %s to %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = at
	r.TxID = txID
	r.StatusHistory = append(r.StatusHistory, ledger.StatusEntry{Status: string(next), At: at, By: by, TxID: txID})
	return nil
}

// Request is the tenant's application for a rental.
type Request struct {
	ListingID     string `json:"listingId"`
	Landlord      string `json:"landlordId"`
	DepositAmount int64  `json:"depositAmount"`
	TotalRent     int64  `json:"totalRent"`
	StartDate     int64  `json:"startDate"`
	EndDate       int64  `json:"endDate"`
}

// ============================================================
// Events
// ============================================================

const (
	EventRentalCreated   = "RENTAL_CREATED"
	EventDepositMade     = "DEPOSIT_MADE"
	EventContractSigned  = "CONTRACT_SIGNED"
	EventRentalActivated = "RENTAL_ACTIVATED"
	EventReturnAgreed    = "RETURN_AGREED"
	EventRentalCompleted = "RENTAL_COMPLETED"
	EventRentalCancelled = "RENTAL_CANCELLED"
	EventRentalExpired   = "RENTAL_EXPIRED"
	EventDisputeOpened   = "DISPUTE_OPENED"
	EventDisputeResolved = "DISPUTE_RESOLVED"
)

// RentalCreatedEvent is emitted when a tenant applies for a listing.
type RentalCreatedEvent struct {
	Type          string `json:"type"`
	RentalID      string `json:"rentalId"`
	ListingID     string `json:"listingId"`
	Tenant        string `json:"tenantId"`
	Landlord      string `json:"landlordId"`
	DepositAmount int64  `json:"depositAmount"`
	TotalRent     int64  `json:"totalRent"`
	StartDate     int64  `json:"startDate"`
	EndDate       int64  `json:"endDate"`
	TxID          string `json:"txId"`
	Timestamp     int64  `json:"timestamp"`
}

// DepositEvent is emitted when the deposit enters escrow custody.
type DepositEvent struct {
	Type      string `json:"type"`
	RentalID  string `json:"rentalId"`
	Tenant    string `json:"tenantId"`
	Amount    int64  `json:"amount"`
	TxID      string `json:"txId"`
	Timestamp int64  `json:"timestamp"`
}

// SignatureEvent is emitted for each party's signature.
type SignatureEvent struct {
	Type           string `json:"type"`
	RentalID       string `json:"rentalId"`
	Signer         string `json:"signer"`
	ContractHash   string `json:"contractHash"`
	TenantSigned   bool   `json:"tenantSigned"`
	LandlordSigned bool   `json:"landlordSigned"`
	TxID           string `json:"txId"`
	Timestamp      int64  `json:"timestamp"`
}

// StatusEvent is emitted when a rental changes lifecycle state outside
// of a dispute.
type StatusEvent struct {
	Type           string `json:"type"`
	RentalID       string `json:"rentalId"`
	Status         Status `json:"status"`
	Actor          string `json:"actor"`
	TenantPayout   int64  `json:"tenantPayout"`
	LandlordPayout int64  `json:"landlordPayout"`
	TxID           string `json:"txId"`
	Timestamp      int64  `json:"timestamp"`
}

// ReturnEvent is emitted when one party agrees to end the term.
type ReturnEvent struct {
	Type      string `json:"type"`
	RentalID  string `json:"rentalId"`
	Party     string `json:"party"`
	TxID      string `json:"txId"`
	Timestamp int64  `json:"timestamp"`
}

// DisputeOpenedEvent is emitted when escrowed funds are frozen.
type DisputeOpenedEvent struct {
	Type         string `json:"type"`
	RentalID     string `json:"rentalId"`
	OpenedBy     string `json:"openedBy"`
	Reason       string `json:"reason"`
	EvidenceHash string `json:"evidenceHash"`
	TxID         string `json:"txId"`
	Timestamp    int64  `json:"timestamp"`
}

// DisputeResolvedEvent is emitted when a ruling releases the escrow.
type DisputeResolvedEvent struct {
	Type           string `json:"type"`
	RentalID       string `json:"rentalId"`
	Arbitrator     string `json:"arbitratorId"`
	Resolution     string `json:"resolution"`
	Status         Status `json:"status"`
	TenantPayout   int64  `json:"tenantPayout"`
	LandlordPayout int64  `json:"landlordPayout"`
	TxID           string `json:"txId"`
	Timestamp      int64  `json:"timestamp"`
}
