// Package escrow owns rental agreements: the tenant's deposit, both
// parties' signatures, the return handshake and the dispute freeze.
// Every money movement happens in the same transaction as the status
// change it belongs to.
package escrow

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/arbitration"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/listing"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// ============================================================
// Composite Key Prefixes
// ============================================================

const (
	// KeyPrefixRental is the prefix for rental records: RENTAL~{rentalId}
	KeyPrefixRental = "RENTAL"
	// KeyPrefixPartyIndex is the prefix for the party lookup index: RENTAL_PARTY~{identity}~{rentalId}
	KeyPrefixPartyIndex = "RENTAL_PARTY"
	// KeyPrefixListingIndex is the prefix for the listing lookup index: RENTAL_LISTING~{listingId}~{rentalId}
	KeyPrefixListingIndex = "RENTAL_LISTING"
)

const maxReasonLength = 2000

// ============================================================
// Collaborators
// ============================================================

// ListingSource resolves listing references.
type ListingSource interface {
	Get(stub ledger.Stub, id string) (*listing.Listing, error)
}

// Custodian moves funds in and out of escrow custody.
type Custodian interface {
	TransferIn(stub ledger.Stub, from string, amount int64) error
	TransferOut(stub ledger.Stub, to string, amount int64) error
}

// Docket receives disputes for arbitration.
type Docket interface {
	OpenCase(stub ledger.Stub, f arbitration.Filing) (*arbitration.Case, error)
}

// Recorder is told how rentals end for each party.
type Recorder interface {
	RecordCompleted(stub ledger.Stub, users ...string) error
	RecordCancelled(stub ledger.Stub, users ...string) error
	RecordDispute(stub ledger.Stub, users ...string) error
}

// ReleasePolicy decides how the escrowed deposit is split when both
// parties agree the term is over.
type ReleasePolicy func(r *Rental) arbitration.Decision

// RefundTenant returns the whole deposit to the tenant.
func RefundTenant(*Rental) arbitration.Decision { return arbitration.FavorTenant() }

// Option configures an Escrow.
type Option func(*Escrow)

// WithReleasePolicy replaces the default RefundTenant policy.
func WithReleasePolicy(p ReleasePolicy) Option {
	return func(e *Escrow) { e.release = p }
}

// Escrow is the rental state machine.
type Escrow struct {
	listings ListingSource
	custody  Custodian
	docket   Docket
	recorder Recorder
	admins   *access.Table
	release  ReleasePolicy
}

// NewEscrow wires the escrow to its collaborators. Admins in the given
// table may cancel rentals that already hold a deposit.
func NewEscrow(listings ListingSource, custody Custodian, docket Docket, recorder Recorder, admins *access.Table, opts ...Option) *Escrow {
	e := &Escrow{
		listings: listings,
		custody:  custody,
		docket:   docket,
		recorder: recorder,
		admins:   admins,
		release:  RefundTenant,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ============================================================
// CREATION
// ============================================================

// Create opens a rental of an active listing. The rental starts in
// StatusCreated, awaiting the deposit.
func (e *Escrow) Create(stub ledger.Stub, tenant string, req Request) (*Rental, error) {
	if err := access.ValidateIdentity(tenant); err != nil {
		return nil, err
	}
	l, err := e.listings.Get(stub, req.ListingID)
	switch {
	case rentalerr.KindOf(err) == rentalerr.KindNotFound, rentalerr.KindOf(err) == rentalerr.KindInvalidInput:
		return nil, rentalerr.New(rentalerr.KindInvalidListing, "listing '%s' does not exist", req.ListingID)
	case err != nil:
		return nil, err
	}
	if !l.IsActive {
		return nil, rentalerr.New(rentalerr.KindInvalidListing, "listing %s is not active", l.ID)
	}
	if req.Landlord != l.Landlord {
		return nil, rentalerr.New(rentalerr.KindInvalidListing, "listing %s is not owned by %s", l.ID, req.Landlord)
	}
	if tenant == l.Landlord {
		return nil, rentalerr.New(rentalerr.KindSelfRental, "landlord cannot rent own listing %s", l.ID)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if req.EndDate <= req.StartDate {
		return nil, rentalerr.New(rentalerr.KindInvalidDateRange, "endDate %d must be after startDate %d", req.EndDate, req.StartDate)
	}
	if req.StartDate <= now {
		return nil, rentalerr.New(rentalerr.KindInvalidDateRange, "startDate %d must be in the future (now %d)", req.StartDate, now)
	}
	if req.DepositAmount != l.DepositAmount {
		return nil, rentalerr.New(rentalerr.KindDepositMismatch, "listing %s requires a deposit of %d, got %d", l.ID, l.DepositAmount, req.DepositAmount)
	}
	if req.TotalRent < 0 {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "totalRent cannot be negative, got %d", req.TotalRent)
	}

	txID := stub.GetTxID()
	r := &Rental{
		DocType:       "rental",
		ID:            ledger.NewID(stub, "rental"),
		ListingID:     l.ID,
		Tenant:        tenant,
		Landlord:      l.Landlord,
		DepositAmount: req.DepositAmount,
		TotalRent:     req.TotalRent,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		StatusHistory: []ledger.StatusEntry{
			{Status: string(StatusCreated), At: now, By: tenant, TxID: txID},
		},
		TxID: txID,
	}
	if err := e.put(stub, r); err != nil {
		return nil, err
	}
	for _, index := range [][]string{
		{KeyPrefixPartyIndex, r.Tenant, r.ID},
		{KeyPrefixPartyIndex, r.Landlord, r.ID},
		{KeyPrefixListingIndex, r.ListingID, r.ID},
	} {
		key, err := stub.CreateCompositeKey(index[0], index[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to create %s key: %w", index[0], err)
		}
		if err := ledger.PutJSON(stub, key, indexEntry{RentalID: r.ID}); err != nil {
			return nil, err
		}
	}

	return r, ledger.EmitEvent(stub, EventRentalCreated, RentalCreatedEvent{
		Type:          EventRentalCreated,
		RentalID:      r.ID,
		ListingID:     r.ListingID,
		Tenant:        r.Tenant,
		Landlord:      r.Landlord,
		DepositAmount: r.DepositAmount,
		TotalRent:     r.TotalRent,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		TxID:          txID,
		Timestamp:     now,
	})
}

// ============================================================
// DEPOSIT AND SIGNING
// ============================================================

// Deposit moves the tenant's deposit into escrow custody. amountPaid
// must equal the agreed deposit exactly.
func (e *Escrow) Deposit(stub ledger.Stub, caller, id string, amountPaid int64) (*Rental, error) {
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if caller != r.Tenant {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "only the tenant may deposit for rental %s", r.ID)
	}
	if r.DepositPaid {
		return nil, rentalerr.New(rentalerr.KindAlreadyDeposited, "deposit for rental %s already made", r.ID)
	}
	if r.Status != StatusCreated {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s, not awaiting deposit", r.ID, r.Status)
	}
	if amountPaid != r.DepositAmount {
		return nil, rentalerr.New(rentalerr.KindDepositMismatch, "rental %s requires %d, got %d", r.ID, r.DepositAmount, amountPaid)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if err := e.custody.TransferIn(stub, caller, amountPaid); err != nil {
		return nil, err
	}
	if err := r.transition(StatusDeposited, now, caller, stub.GetTxID()); err != nil {
		return nil, err
	}
	r.DepositPaid = true
	r.EscrowBalance = amountPaid
	if err := e.put(stub, r); err != nil {
		return nil, err
	}
	return r, ledger.EmitEvent(stub, EventDepositMade, DepositEvent{
		Type:      EventDepositMade,
		RentalID:  r.ID,
		Tenant:    caller,
		Amount:    amountPaid,
		TxID:      r.TxID,
		Timestamp: now,
	})
}

// Sign records caller's signature over contractHash. Both parties must
// sign the same hash; the second signature activates the rental.
// Re-signing the same hash changes nothing.
func (e *Escrow) Sign(stub ledger.Stub, caller, id, contractHash string) (*Rental, error) {
	if contractHash == "" {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "contractHash cannot be empty")
	}
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(caller) {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "only the tenant or landlord may sign rental %s", r.ID)
	}
	switch r.Status {
	case StatusDeposited, StatusSigned, StatusActive:
	default:
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s, signing requires a deposit", r.ID, r.Status)
	}
	if r.ContractHash != "" && r.ContractHash != contractHash {
		return nil, rentalerr.New(rentalerr.KindHashMismatch, "rental %s was signed over %s, got %s", r.ID, r.ContractHash, contractHash)
	}

	signed := &r.TenantSigned
	if caller == r.Landlord {
		signed = &r.LandlordSigned
	}
	if *signed {
		return r, nil
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	txID := stub.GetTxID()
	*signed = true
	r.ContractHash = contractHash
	r.UpdatedAt = now
	r.TxID = txID
	if err := ledger.EmitEvent(stub, EventContractSigned, SignatureEvent{
		Type:           EventContractSigned,
		RentalID:       r.ID,
		Signer:         caller,
		ContractHash:   contractHash,
		TenantSigned:   r.TenantSigned,
		LandlordSigned: r.LandlordSigned,
		TxID:           txID,
		Timestamp:      now,
	}); err != nil {
		return nil, err
	}

	if r.TenantSigned && r.LandlordSigned {
		if err := r.transition(StatusSigned, now, caller, txID); err != nil {
			return nil, err
		}
		if err := r.transition(StatusActive, now, caller, txID); err != nil {
			return nil, err
		}
		if err := e.emitStatus(stub, EventRentalActivated, r, caller, now); err != nil {
			return nil, err
		}
	}
	return r, e.put(stub, r)
}

// ============================================================
// COMPLETION
// ============================================================

// AgreeReturn records caller's agreement that the term is over. When
// both parties agree the rental completes and the deposit is released
// according to the release policy.
func (e *Escrow) AgreeReturn(stub ledger.Stub, caller, id string) (*Rental, error) {
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(caller) {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "only the tenant or landlord may end rental %s", r.ID)
	}
	if r.Status != StatusActive {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s, not active", r.ID, r.Status)
	}

	agreed := &r.TenantAgreedReturn
	if caller == r.Landlord {
		agreed = &r.LandlordAgreedReturn
	}
	if *agreed {
		return r, nil
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	txID := stub.GetTxID()
	*agreed = true
	r.UpdatedAt = now
	r.TxID = txID
	if err := ledger.EmitEvent(stub, EventReturnAgreed, ReturnEvent{
		Type:      EventReturnAgreed,
		RentalID:  r.ID,
		Party:     caller,
		TxID:      txID,
		Timestamp: now,
	}); err != nil {
		return nil, err
	}

	if r.TenantAgreedReturn && r.LandlordAgreedReturn {
		decision := e.release(r)
		if err := decision.Validate(); err != nil {
			return nil, fmt.Errorf("release policy for rental %s: %w", r.ID, err)
		}
		if err := r.transition(StatusCompleted, now, caller, txID); err != nil {
			return nil, err
		}
		if err := e.payOut(stub, r, decision); err != nil {
			return nil, err
		}
		if err := e.recorder.RecordCompleted(stub, r.Tenant, r.Landlord); err != nil {
			return nil, err
		}
		if err := e.emitStatus(stub, EventRentalCompleted, r, caller, now); err != nil {
			return nil, err
		}
	}
	return r, e.put(stub, r)
}

// ============================================================
// DISPUTES
// ============================================================

// OpenDispute freezes the escrow and files the dispute with the docket.
// Only a party may open one, and only while the rental holds a deposit
// and is not yet over.
func (e *Escrow) OpenDispute(stub ledger.Stub, caller, id, reason, evidenceHash string) (*Rental, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "dispute reason cannot be empty")
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "dispute reason exceeds %d characters", maxReasonLength)
	}
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if !r.IsParty(caller) {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "only the tenant or landlord may dispute rental %s", r.ID)
	}
	switch r.Status {
	case StatusDeposited, StatusSigned, StatusActive:
	default:
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s and cannot be disputed", r.ID, r.Status)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if err := r.transition(StatusDisputed, now, caller, stub.GetTxID()); err != nil {
		return nil, err
	}
	r.DisputeOpenedAt = now
	r.DisputeOpenedBy = caller
	r.DisputeReason = reason
	r.DisputeEvidenceHash = evidenceHash
	if err := e.put(stub, r); err != nil {
		return nil, err
	}
	if _, err := e.docket.OpenCase(stub, arbitration.Filing{
		RentalID:     r.ID,
		Tenant:       r.Tenant,
		Landlord:     r.Landlord,
		OpenedBy:     caller,
		Reason:       reason,
		EvidenceHash: evidenceHash,
	}); err != nil {
		return nil, err
	}
	return r, ledger.EmitEvent(stub, EventDisputeOpened, DisputeOpenedEvent{
		Type:         EventDisputeOpened,
		RentalID:     r.ID,
		OpenedBy:     caller,
		Reason:       reason,
		EvidenceHash: evidenceHash,
		TxID:         r.TxID,
		Timestamp:    now,
	})
}

// ApplyRuling settles a disputed rental. Favoring the tenant cancels
// the rental; favoring the landlord or splitting completes it. The
// at-fault party's dispute count grows, both for a split.
func (e *Escrow) ApplyRuling(stub ledger.Stub, ruling arbitration.Ruling) (*Rental, error) {
	if err := ruling.Decision.Validate(); err != nil {
		return nil, err
	}
	r, err := e.Get(stub, ruling.RentalID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusDisputed {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s, not disputed", r.ID, r.Status)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	var (
		next      Status
		atFault   []string
		completed []string
		cancelled []string
	)
	switch ruling.Decision.Outcome {
	case arbitration.OutcomeFavorTenant:
		next = StatusCancelled
		atFault = []string{r.Landlord}
		cancelled = []string{r.Tenant, r.Landlord}
	case arbitration.OutcomeFavorLandlord:
		next = StatusCompleted
		atFault = []string{r.Tenant}
		completed = []string{r.Landlord}
	default:
		next = StatusCompleted
		atFault = []string{r.Tenant, r.Landlord}
		completed = []string{r.Tenant, r.Landlord}
	}

	if err := r.transition(next, now, ruling.Arbitrator, stub.GetTxID()); err != nil {
		return nil, err
	}
	r.ArbitratorID = ruling.Arbitrator
	r.Resolution = ruling.Decision.String()
	if err := e.payOut(stub, r, ruling.Decision); err != nil {
		return nil, err
	}
	if err := e.recorder.RecordDispute(stub, atFault...); err != nil {
		return nil, err
	}
	if err := e.recorder.RecordCompleted(stub, completed...); err != nil {
		return nil, err
	}
	if err := e.recorder.RecordCancelled(stub, cancelled...); err != nil {
		return nil, err
	}
	if err := e.put(stub, r); err != nil {
		return nil, err
	}
	return r, ledger.EmitEvent(stub, EventDisputeResolved, DisputeResolvedEvent{
		Type:           EventDisputeResolved,
		RentalID:       r.ID,
		Arbitrator:     ruling.Arbitrator,
		Resolution:     r.Resolution,
		Status:         r.Status,
		TenantPayout:   r.TenantPayout,
		LandlordPayout: r.LandlordPayout,
		TxID:           r.TxID,
		Timestamp:      now,
	})
}

// ============================================================
// CANCELLATION
// ============================================================

// Cancel withdraws a rental. Either party may cancel before the
// deposit; after it only an admin may, and the deposit is refunded.
func (e *Escrow) Cancel(stub ledger.Stub, caller, id string) (*Rental, error) {
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	isAdmin, err := e.admins.Has(stub, caller, access.RoleAdmin)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusCreated:
		if !r.IsParty(caller) && !isAdmin {
			return nil, rentalerr.New(rentalerr.KindUnauthorized, "only a party or an admin may cancel rental %s", r.ID)
		}
	case StatusDeposited:
		if !isAdmin {
			return nil, rentalerr.New(rentalerr.KindUnauthorized, "rental %s holds a deposit; only an admin may cancel it", r.ID)
		}
	default:
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s and cannot be cancelled", r.ID, r.Status)
	}
	return e.cancel(stub, r, caller, EventRentalCancelled)
}

// Expire cancels a rental whose deposit never arrived before its start
// date. Anyone may trigger it.
func (e *Escrow) Expire(stub ledger.Stub, caller, id string) (*Rental, error) {
	r, err := e.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusCreated {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s is %s, only rentals awaiting deposit expire", r.ID, r.Status)
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if now < r.StartDate {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "rental %s does not expire before %d", r.ID, r.StartDate)
	}
	return e.cancel(stub, r, caller, EventRentalExpired)
}

func (e *Escrow) cancel(stub ledger.Stub, r *Rental, caller, event string) (*Rental, error) {
	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if err := r.transition(StatusCancelled, now, caller, stub.GetTxID()); err != nil {
		return nil, err
	}
	if err := e.payOut(stub, r, arbitration.FavorTenant()); err != nil {
		return nil, err
	}
	if err := e.recorder.RecordCancelled(stub, r.Tenant, r.Landlord); err != nil {
		return nil, err
	}
	if err := e.put(stub, r); err != nil {
		return nil, err
	}
	return r, e.emitStatus(stub, event, r, caller, now)
}

// ============================================================
// QUERIES
// ============================================================

// Get returns the rental with id or fails with NOT_FOUND.
func (e *Escrow) Get(stub ledger.Stub, id string) (*Rental, error) {
	if id == "" {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "rentalId cannot be empty")
	}
	key, err := stub.CreateCompositeKey(KeyPrefixRental, []string{id})
	if err != nil {
		return nil, fmt.Errorf("failed to create rental key: %w", err)
	}
	var r Rental
	found, err := ledger.GetJSON(stub, key, &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rentalerr.New(rentalerr.KindNotFound, "rental %s does not exist", id)
	}
	return &r, nil
}

// ByParty yields the rentals identity is tenant or landlord of.
func (e *Escrow) ByParty(stub ledger.Stub, identity string) iter.Seq2[Rental, error] {
	return e.resolve(stub, ledger.Values(stub, KeyPrefixPartyIndex, identity))
}

// ByListing yields the rentals opened against a listing.
func (e *Escrow) ByListing(stub ledger.Stub, listingID string) iter.Seq2[Rental, error] {
	return e.resolve(stub, ledger.Values(stub, KeyPrefixListingIndex, listingID))
}

// ============================================================
// Helpers
// ============================================================

type indexEntry struct {
	RentalID string `json:"rentalId"`
}

func (e *Escrow) resolve(stub ledger.Stub, index iter.Seq2[[]byte, error]) iter.Seq2[Rental, error] {
	return func(yield func(Rental, error) bool) {
		for entry, err := range ledger.Records[indexEntry](index) {
			if err != nil {
				yield(Rental{}, err)
				return
			}
			r, err := e.Get(stub, entry.RentalID)
			if err != nil {
				yield(Rental{}, err)
				return
			}
			if !yield(*r, nil) {
				return
			}
		}
	}
}

// payOut empties the escrow balance according to decision.
func (e *Escrow) payOut(stub ledger.Stub, r *Rental, decision arbitration.Decision) error {
	tenantShare, landlordShare := decision.Shares(r.EscrowBalance)
	if err := e.custody.TransferOut(stub, r.Tenant, tenantShare); err != nil {
		return err
	}
	if err := e.custody.TransferOut(stub, r.Landlord, landlordShare); err != nil {
		return err
	}
	r.TenantPayout = tenantShare
	r.LandlordPayout = landlordShare
	r.EscrowBalance = 0
	return nil
}

func (e *Escrow) put(stub ledger.Stub, r *Rental) error {
	key, err := stub.CreateCompositeKey(KeyPrefixRental, []string{r.ID})
	if err != nil {
		return fmt.Errorf("failed to create rental key: %w", err)
	}
	return ledger.PutJSON(stub, key, r)
}

func (e *Escrow) emitStatus(stub ledger.Stub, name string, r *Rental, actor string, now int64) error {
	return ledger.EmitEvent(stub, name, StatusEvent{
		Type:           name,
		RentalID:       r.ID,
		Status:         r.Status,
		Actor:          actor,
		TenantPayout:   r.TenantPayout,
		LandlordPayout: r.LandlordPayout,
		TxID:           stub.GetTxID(),
		Timestamp:      now,
	})
}
