package platform

import (
	"encoding/json"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/smartrent/chaincode/internal/arbitration"
	"github.com/smartrent/chaincode/internal/escrow"
	"github.com/smartrent/chaincode/internal/listing"
	"github.com/smartrent/chaincode/internal/rentalerr"
	"github.com/smartrent/chaincode/internal/reputation"
	"github.com/smartrent/chaincode/internal/subscription"
)

// SmartRentContract exposes the platform as Fabric transaction
// functions. The caller of every transaction is the submitting client's
// identity as reported by the client identity library.
type SmartRentContract struct {
	contractapi.Contract
	platform *Platform
}

// NewContract wraps p as a chaincode contract.
func NewContract(p *Platform) *SmartRentContract {
	return &SmartRentContract{platform: p}
}

// ============================================================
// Identity helpers
// ============================================================

func callerID(ctx contractapi.TransactionContextInterface) (string, error) {
	id, err := ctx.GetClientIdentity().GetID()
	if err != nil {
		return "", rentalerr.New(rentalerr.KindUnauthorized, "failed to read caller identity: %v", err)
	}
	return id, nil
}

// requireRole verifies that the calling identity has the specified role
// attribute in their X.509 certificate.
func requireRole(ctx contractapi.TransactionContextInterface, requiredRole string) error {
	role, found, err := ctx.GetClientIdentity().GetAttributeValue("role")
	if err != nil {
		return rentalerr.New(rentalerr.KindUnauthorized, "failed to read role attribute: %v", err)
	}
	if !found {
		return rentalerr.New(rentalerr.KindUnauthorized, "caller identity has no 'role' attribute")
	}
	if role != requiredRole {
		return rentalerr.New(rentalerr.KindUnauthorized, "required role '%s', caller has role '%s'", requiredRole, role)
	}
	return nil
}

func parseJSON(input, what string, v interface{}) error {
	if err := json.Unmarshal([]byte(input), v); err != nil {
		return rentalerr.New(rentalerr.KindInvalidInput, "failed to parse %s JSON: %v", what, err)
	}
	return nil
}

// ============================================================
// GOVERNANCE
// ============================================================

// InitializePlatform makes the caller the first platform admin. The
// caller's certificate must carry role=admin. With enforceListingQuota
// set, landlords are limited to the listing count of their plan.
func (s *SmartRentContract) InitializePlatform(ctx contractapi.TransactionContextInterface, enforceListingQuota bool) (*State, error) {
	if err := requireRole(ctx, "admin"); err != nil {
		return nil, err
	}
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.Initialize(ctx.GetStub(), caller, enforceListingQuota)
}

// Pause halts all non-governance mutations.
func (s *SmartRentContract) Pause(ctx contractapi.TransactionContextInterface) (*State, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.Pause(ctx.GetStub(), caller)
}

// Unpause resumes normal operation.
func (s *SmartRentContract) Unpause(ctx contractapi.TransactionContextInterface) (*State, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.Unpause(ctx.GetStub(), caller)
}

func (s *SmartRentContract) GrantAdmin(ctx contractapi.TransactionContextInterface, identity string) error {
	caller, err := callerID(ctx)
	if err != nil {
		return err
	}
	return s.platform.GrantAdmin(ctx.GetStub(), caller, identity)
}

func (s *SmartRentContract) RevokeAdmin(ctx contractapi.TransactionContextInterface, identity string) error {
	caller, err := callerID(ctx)
	if err != nil {
		return err
	}
	return s.platform.RevokeAdmin(ctx.GetStub(), caller, identity)
}

func (s *SmartRentContract) GrantArbitrator(ctx contractapi.TransactionContextInterface, identity string) error {
	caller, err := callerID(ctx)
	if err != nil {
		return err
	}
	return s.platform.GrantArbitrator(ctx.GetStub(), caller, identity)
}

func (s *SmartRentContract) RevokeArbitrator(ctx contractapi.TransactionContextInterface, identity string) error {
	caller, err := callerID(ctx)
	if err != nil {
		return err
	}
	return s.platform.RevokeArbitrator(ctx.GetStub(), caller, identity)
}

// VerifyUser sets or clears a user's verified badge. Admin only.
func (s *SmartRentContract) VerifyUser(ctx contractapi.TransactionContextInterface, user string, verified bool) (*reputation.UserReputation, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.VerifyUser(ctx.GetStub(), caller, user, verified)
}

// MintFunds credits an account and returns its new balance. Admin only.
func (s *SmartRentContract) MintFunds(ctx contractapi.TransactionContextInterface, account string, amount int64) (int64, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return 0, err
	}
	return s.platform.MintFunds(ctx.GetStub(), caller, account, amount)
}

// WithdrawFees pays collected subscription fees out of the treasury.
func (s *SmartRentContract) WithdrawFees(ctx contractapi.TransactionContextInterface, to string, amount int64) error {
	caller, err := callerID(ctx)
	if err != nil {
		return err
	}
	return s.platform.WithdrawFees(ctx.GetStub(), caller, to, amount)
}

// WhoAmI returns the caller's identity string, the value stored in
// every landlord, tenant and reviewer field.
func (s *SmartRentContract) WhoAmI(ctx contractapi.TransactionContextInterface) (*Identity, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	mspID, err := ctx.GetClientIdentity().GetMSPID()
	if err != nil {
		return nil, rentalerr.New(rentalerr.KindUnauthorized, "failed to read caller MSP: %v", err)
	}
	return s.platform.Identify(ctx.GetStub(), caller, mspID)
}

func (s *SmartRentContract) GetPlatformState(ctx contractapi.TransactionContextInterface) (*State, error) {
	return s.platform.State(ctx.GetStub())
}

func (s *SmartRentContract) GetPlatformStatistics(ctx contractapi.TransactionContextInterface) (*Statistics, error) {
	return s.platform.Statistics(ctx.GetStub())
}

func (s *SmartRentContract) BalanceOf(ctx contractapi.TransactionContextInterface, account string) (int64, error) {
	return s.platform.BalanceOf(ctx.GetStub(), account)
}

// ============================================================
// LISTINGS
// ============================================================

// CreateListing publishes a listing owned by the caller.
// listingJSON: {"title","description","pricePerDay","depositAmount","metadataHash"}
func (s *SmartRentContract) CreateListing(ctx contractapi.TransactionContextInterface, listingJSON string) (*listing.Listing, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var d listing.Draft
	if err := parseJSON(listingJSON, "listing", &d); err != nil {
		return nil, err
	}
	return s.platform.CreateListing(ctx.GetStub(), caller, d)
}

// UpdateListing replaces a listing's terms.
// changesJSON: {"title","description","pricePerDay","depositAmount"}
func (s *SmartRentContract) UpdateListing(ctx contractapi.TransactionContextInterface, listingID, changesJSON string) (*listing.Listing, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var c listing.Changes
	if err := parseJSON(changesJSON, "listing changes", &c); err != nil {
		return nil, err
	}
	return s.platform.UpdateListing(ctx.GetStub(), caller, listingID, c)
}

func (s *SmartRentContract) SetListingActive(ctx contractapi.TransactionContextInterface, listingID string, active bool) (*listing.Listing, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.SetListingActive(ctx.GetStub(), caller, listingID, active)
}

func (s *SmartRentContract) GetListing(ctx contractapi.TransactionContextInterface, listingID string) (*listing.Listing, error) {
	return s.platform.GetListing(ctx.GetStub(), listingID)
}

func (s *SmartRentContract) GetAllListings(ctx contractapi.TransactionContextInterface) ([]listing.Listing, error) {
	return s.platform.GetAllListings(ctx.GetStub())
}

func (s *SmartRentContract) GetListingsByOwner(ctx contractapi.TransactionContextInterface, landlord string) ([]listing.Listing, error) {
	return s.platform.GetListingsByOwner(ctx.GetStub(), landlord)
}

// ============================================================
// RENTALS
// ============================================================

// CreateRental applies for a rental with the caller as tenant.
// rentalJSON: {"listingId","landlordId","depositAmount","totalRent","startDate","endDate"}
func (s *SmartRentContract) CreateRental(ctx contractapi.TransactionContextInterface, rentalJSON string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var req escrow.Request
	if err := parseJSON(rentalJSON, "rental", &req); err != nil {
		return nil, err
	}
	return s.platform.CreateRental(ctx.GetStub(), caller, req)
}

func (s *SmartRentContract) MakeDeposit(ctx contractapi.TransactionContextInterface, rentalID string, amountPaid int64) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.MakeDeposit(ctx.GetStub(), caller, rentalID, amountPaid)
}

func (s *SmartRentContract) SignContract(ctx contractapi.TransactionContextInterface, rentalID, contractHash string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.SignContract(ctx.GetStub(), caller, rentalID, contractHash)
}

func (s *SmartRentContract) AgreeReturn(ctx contractapi.TransactionContextInterface, rentalID string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.AgreeReturn(ctx.GetStub(), caller, rentalID)
}

func (s *SmartRentContract) OpenDispute(ctx contractapi.TransactionContextInterface, rentalID, reason, evidenceHash string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.OpenDispute(ctx.GetStub(), caller, rentalID, reason, evidenceHash)
}

func (s *SmartRentContract) CancelRental(ctx contractapi.TransactionContextInterface, rentalID string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.CancelRental(ctx.GetStub(), caller, rentalID)
}

func (s *SmartRentContract) ExpireRental(ctx contractapi.TransactionContextInterface, rentalID string) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.ExpireRental(ctx.GetStub(), caller, rentalID)
}

func (s *SmartRentContract) GetRental(ctx contractapi.TransactionContextInterface, rentalID string) (*escrow.Rental, error) {
	return s.platform.GetRental(ctx.GetStub(), rentalID)
}

func (s *SmartRentContract) GetRentalsByParty(ctx contractapi.TransactionContextInterface, identity string) ([]escrow.Rental, error) {
	return s.platform.GetRentalsByParty(ctx.GetStub(), identity)
}

func (s *SmartRentContract) GetRentalsByListing(ctx contractapi.TransactionContextInterface, listingID string) ([]escrow.Rental, error) {
	return s.platform.GetRentalsByListing(ctx.GetStub(), listingID)
}

// ============================================================
// ARBITRATION
// ============================================================

func (s *SmartRentContract) AssignArbitrator(ctx contractapi.TransactionContextInterface, rentalID, arbitrator string) (*arbitration.Case, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.AssignArbitrator(ctx.GetStub(), caller, rentalID, arbitrator)
}

// ResolveDispute settles a disputed rental. outcome is FAVOR_TENANT,
// FAVOR_LANDLORD or SPLIT; tenantShareBps only applies to SPLIT.
func (s *SmartRentContract) ResolveDispute(ctx contractapi.TransactionContextInterface, rentalID, outcome string, tenantShareBps int64) (*escrow.Rental, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	decision, err := arbitration.ParseDecision(outcome, tenantShareBps)
	if err != nil {
		return nil, err
	}
	return s.platform.ResolveDispute(ctx.GetStub(), caller, rentalID, decision)
}

func (s *SmartRentContract) GetDisputeCase(ctx contractapi.TransactionContextInterface, rentalID string) (*arbitration.Case, error) {
	return s.platform.GetDisputeCase(ctx.GetStub(), rentalID)
}

func (s *SmartRentContract) GetDisputeCases(ctx contractapi.TransactionContextInterface) ([]arbitration.Case, error) {
	return s.platform.GetDisputeCases(ctx.GetStub())
}

func (s *SmartRentContract) GetArbitrators(ctx contractapi.TransactionContextInterface) ([]string, error) {
	return s.platform.Arbitrators(ctx.GetStub())
}

// ============================================================
// SUBSCRIPTIONS
// ============================================================

// CreateSubscription buys plan (FREE, PRO, PREMIUM or 0..2) for the
// caller. amountPaid must equal CalculatePrice(plan, durationMonths).
func (s *SmartRentContract) CreateSubscription(ctx contractapi.TransactionContextInterface, plan string, durationMonths int, autoRenew bool, amountPaid int64) (*subscription.Subscription, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	p, err := subscription.ParsePlan(plan)
	if err != nil {
		return nil, err
	}
	return s.platform.CreateSubscription(ctx.GetStub(), caller, p, durationMonths, autoRenew, amountPaid)
}

func (s *SmartRentContract) SetAutoRenew(ctx contractapi.TransactionContextInterface, autoRenew bool) (*subscription.Subscription, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	return s.platform.SetAutoRenew(ctx.GetStub(), caller, autoRenew)
}

func (s *SmartRentContract) GetSubscription(ctx contractapi.TransactionContextInterface, user string) (*subscription.Subscription, error) {
	return s.platform.GetSubscription(ctx.GetStub(), user)
}

func (s *SmartRentContract) GetSubscriptionHistory(ctx contractapi.TransactionContextInterface, user string) ([]subscription.Subscription, error) {
	return s.platform.GetSubscriptionHistory(ctx.GetStub(), user)
}

// HasPremiumFeature reports whether user's plan in force unlocks every
// bit of featureID.
func (s *SmartRentContract) HasPremiumFeature(ctx contractapi.TransactionContextInterface, user string, featureID uint64) (bool, error) {
	return s.platform.HasPremiumFeature(ctx.GetStub(), user, subscription.Feature(featureID))
}

func (s *SmartRentContract) CalculatePrice(ctx contractapi.TransactionContextInterface, plan string, durationMonths int) (int64, error) {
	p, err := subscription.ParsePlan(plan)
	if err != nil {
		return 0, err
	}
	return subscription.CalculatePrice(p, durationMonths)
}

// ============================================================
// REPUTATION
// ============================================================

// CreateReview reviews the other party to a rental.
// reviewJSON: {"reviewee","rating","text","evidenceHash","rentalId","reviewType"}
func (s *SmartRentContract) CreateReview(ctx contractapi.TransactionContextInterface, reviewJSON string) (*reputation.Review, error) {
	caller, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	var in reputation.ReviewInput
	if err := parseJSON(reviewJSON, "review", &in); err != nil {
		return nil, err
	}
	return s.platform.CreateReview(ctx.GetStub(), caller, in)
}

func (s *SmartRentContract) GetUserReputation(ctx contractapi.TransactionContextInterface, user string) (*reputation.UserReputation, error) {
	return s.platform.GetUserReputation(ctx.GetStub(), user)
}

func (s *SmartRentContract) GetReviews(ctx contractapi.TransactionContextInterface, user string) ([]reputation.Review, error) {
	return s.platform.GetReviews(ctx.GetStub(), user)
}
