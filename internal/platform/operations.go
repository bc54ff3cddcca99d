package platform

import (
	"github.com/smartrent/chaincode/internal/arbitration"
	"github.com/smartrent/chaincode/internal/escrow"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/listing"
	"github.com/smartrent/chaincode/internal/rentalerr"
	"github.com/smartrent/chaincode/internal/reputation"
	"github.com/smartrent/chaincode/internal/subscription"
)

// ============================================================
// Listings
// ============================================================

// CreateListing registers a listing owned by landlord. With the listing
// quota enabled, the landlord's plan caps how many listings they hold.
func (p *Platform) CreateListing(stub ledger.Stub, landlord string, d listing.Draft) (*listing.Listing, error) {
	var l *listing.Listing
	err := p.run(stub, "CreateListing", landlord, gateOpen, func(tx *ledger.Txn) error {
		if err := p.checkListingQuota(tx, landlord); err != nil {
			return err
		}
		var err error
		if l, err = p.listings.Create(tx, landlord, d); err != nil {
			return err
		}
		return p.bumpStatistics(tx, func(s *Statistics) error {
			s.TotalListings++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *Platform) checkListingQuota(stub ledger.Stub, landlord string) error {
	state, err := p.loadState(stub)
	if err != nil || !state.EnforceListingQuota {
		return err
	}
	plan, err := p.subscriptions.ActivePlan(stub, landlord)
	if err != nil {
		return err
	}
	limit := plan.ListingLimit()
	if limit == subscription.UnlimitedListings {
		return nil
	}
	held, err := p.listings.CountByOwner(stub, landlord)
	if err != nil {
		return err
	}
	if held >= limit {
		return rentalerr.New(rentalerr.KindListingLimitExceeded, "%s plan allows %d listings", plan, limit)
	}
	return nil
}

// UpdateListing changes a listing's terms.
func (p *Platform) UpdateListing(stub ledger.Stub, caller, id string, c listing.Changes) (*listing.Listing, error) {
	var l *listing.Listing
	err := p.run(stub, "UpdateListing", caller, gateOpen, func(tx *ledger.Txn) error {
		var err error
		l, err = p.listings.Update(tx, caller, id, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// SetListingActive activates or deactivates a listing.
func (p *Platform) SetListingActive(stub ledger.Stub, caller, id string, active bool) (*listing.Listing, error) {
	var l *listing.Listing
	err := p.run(stub, "SetListingActive", caller, gateOpen, func(tx *ledger.Txn) error {
		var err error
		l, err = p.listings.SetActive(tx, caller, id, active)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing returns one listing.
func (p *Platform) GetListing(stub ledger.Stub, id string) (*listing.Listing, error) {
	return p.listings.Get(stub, id)
}

// GetAllListings returns every listing.
func (p *Platform) GetAllListings(stub ledger.Stub) ([]listing.Listing, error) {
	return ledger.Collect(p.listings.All(stub))
}

// GetListingsByOwner returns the listings of landlord.
func (p *Platform) GetListingsByOwner(stub ledger.Stub, landlord string) ([]listing.Listing, error) {
	return ledger.Collect(p.listings.ByOwner(stub, landlord))
}

// ============================================================
// Rentals
// ============================================================

// CreateRental opens a rental for tenant and adds its deposit and rent
// to the platform volume.
func (p *Platform) CreateRental(stub ledger.Stub, tenant string, req escrow.Request) (*escrow.Rental, error) {
	var r *escrow.Rental
	err := p.run(stub, "CreateRental", tenant, gateOpen, func(tx *ledger.Txn) error {
		var err error
		if r, err = p.escrow.Create(tx, tenant, req); err != nil {
			return err
		}
		return p.bumpStatistics(tx, func(s *Statistics) error {
			if err := addVolume(s, r.DepositAmount); err != nil {
				return err
			}
			if err := addVolume(s, r.TotalRent); err != nil {
				return err
			}
			s.TotalRentals++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MakeDeposit moves the tenant's deposit into escrow custody.
func (p *Platform) MakeDeposit(stub ledger.Stub, caller, rentalID string, amountPaid int64) (*escrow.Rental, error) {
	return p.rental(stub, "MakeDeposit", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		return p.escrow.Deposit(tx, caller, rentalID, amountPaid)
	})
}

// SignContract records caller's signature over the contract hash.
func (p *Platform) SignContract(stub ledger.Stub, caller, rentalID, contractHash string) (*escrow.Rental, error) {
	return p.rental(stub, "SignContract", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		return p.escrow.Sign(tx, caller, rentalID, contractHash)
	})
}

// AgreeReturn records caller's agreement that the rental is over.
func (p *Platform) AgreeReturn(stub ledger.Stub, caller, rentalID string) (*escrow.Rental, error) {
	return p.rental(stub, "AgreeReturn", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		return p.escrow.AgreeReturn(tx, caller, rentalID)
	})
}

// OpenDispute freezes the rental and files a case with the arbitrators.
func (p *Platform) OpenDispute(stub ledger.Stub, caller, rentalID, reason, evidenceHash string) (*escrow.Rental, error) {
	return p.rental(stub, "OpenDispute", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		r, err := p.escrow.OpenDispute(tx, caller, rentalID, reason, evidenceHash)
		if err != nil {
			return nil, err
		}
		return r, p.bumpStatistics(tx, func(s *Statistics) error {
			s.TotalDisputes++
			return nil
		})
	})
}

// CancelRental withdraws a rental and refunds any deposit.
func (p *Platform) CancelRental(stub ledger.Stub, caller, rentalID string) (*escrow.Rental, error) {
	return p.rental(stub, "CancelRental", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		return p.escrow.Cancel(tx, caller, rentalID)
	})
}

// ExpireRental cancels a rental that was never funded by its start date.
func (p *Platform) ExpireRental(stub ledger.Stub, caller, rentalID string) (*escrow.Rental, error) {
	return p.rental(stub, "ExpireRental", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		return p.escrow.Expire(tx, caller, rentalID)
	})
}

func (p *Platform) rental(stub ledger.Stub, op, caller string, fn func(tx *ledger.Txn) (*escrow.Rental, error)) (*escrow.Rental, error) {
	var r *escrow.Rental
	err := p.run(stub, op, caller, gateOpen, func(tx *ledger.Txn) error {
		var err error
		r, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRental returns one rental.
func (p *Platform) GetRental(stub ledger.Stub, id string) (*escrow.Rental, error) {
	return p.escrow.Get(stub, id)
}

// GetRentalsByParty returns the rentals identity is tenant or landlord of.
func (p *Platform) GetRentalsByParty(stub ledger.Stub, identity string) ([]escrow.Rental, error) {
	return ledger.Collect(p.escrow.ByParty(stub, identity))
}

// GetRentalsByListing returns the rentals of one listing.
func (p *Platform) GetRentalsByListing(stub ledger.Stub, listingID string) ([]escrow.Rental, error) {
	return ledger.Collect(p.escrow.ByListing(stub, listingID))
}

// ============================================================
// Arbitration
// ============================================================

// AssignArbitrator hands an open case to one arbitrator.
func (p *Platform) AssignArbitrator(stub ledger.Stub, caller, rentalID, arbitrator string) (*arbitration.Case, error) {
	var c *arbitration.Case
	err := p.run(stub, "AssignArbitrator", caller, gateOpen, func(tx *ledger.Txn) error {
		var err error
		c, err = p.authority.Assign(tx, caller, rentalID, arbitrator)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ResolveDispute closes the case and settles the rental in one step.
func (p *Platform) ResolveDispute(stub ledger.Stub, caller, rentalID string, d arbitration.Decision) (*escrow.Rental, error) {
	return p.rental(stub, "ResolveDispute", caller, func(tx *ledger.Txn) (*escrow.Rental, error) {
		ruling, err := p.authority.Resolve(tx, caller, rentalID, d)
		if err != nil {
			return nil, err
		}
		return p.escrow.ApplyRuling(tx, *ruling)
	})
}

// GetDisputeCase returns the case filed for a rental.
func (p *Platform) GetDisputeCase(stub ledger.Stub, rentalID string) (*arbitration.Case, error) {
	return p.authority.Case(stub, rentalID)
}

// GetDisputeCases returns every case on the docket.
func (p *Platform) GetDisputeCases(stub ledger.Stub) ([]arbitration.Case, error) {
	return ledger.Collect(p.authority.Cases(stub))
}

// ============================================================
// Subscriptions
// ============================================================

// CreateSubscription buys a plan. amountPaid must equal the plan price
// and is collected into the treasury.
func (p *Platform) CreateSubscription(stub ledger.Stub, subscriber string, plan subscription.Plan, durationMonths int, autoRenew bool, amountPaid int64) (*subscription.Subscription, error) {
	var s *subscription.Subscription
	err := p.run(stub, "CreateSubscription", subscriber, gateOpen, func(tx *ledger.Txn) error {
		var err error
		s, err = p.subscriptions.Create(tx, subscriber, plan, durationMonths, autoRenew, amountPaid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetAutoRenew changes the renewal preference of caller's subscription.
func (p *Platform) SetAutoRenew(stub ledger.Stub, caller string, autoRenew bool) (*subscription.Subscription, error) {
	var s *subscription.Subscription
	err := p.run(stub, "SetAutoRenew", caller, gateOpen, func(tx *ledger.Txn) error {
		var err error
		s, err = p.subscriptions.SetAutoRenew(tx, caller, autoRenew)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSubscription returns user's latest subscription, expired or not.
func (p *Platform) GetSubscription(stub ledger.Stub, user string) (*subscription.Subscription, error) {
	return p.subscriptions.Current(stub, user)
}

// GetSubscriptionHistory returns every subscription user bought.
func (p *Platform) GetSubscriptionHistory(stub ledger.Stub, user string) ([]subscription.Subscription, error) {
	return p.subscriptions.History(stub, user)
}

// HasPremiumFeature reports whether user's plan in force includes feature.
func (p *Platform) HasPremiumFeature(stub ledger.Stub, user string, feature subscription.Feature) (bool, error) {
	return p.subscriptions.HasFeature(stub, user, feature)
}

// ActivePlan returns the plan in force for user.
func (p *Platform) ActivePlan(stub ledger.Stub, user string) (subscription.Plan, error) {
	return p.subscriptions.ActivePlan(stub, user)
}

// ============================================================
// Reputation
// ============================================================

// CreateReview records a review of the other party to a rental.
func (p *Platform) CreateReview(stub ledger.Stub, reviewer string, in reputation.ReviewInput) (*reputation.Review, error) {
	var review *reputation.Review
	err := p.run(stub, "CreateReview", reviewer, gateOpen, func(tx *ledger.Txn) error {
		r, err := p.escrow.Get(tx, in.RentalID)
		if err != nil {
			return err
		}
		review, err = p.reputation.CreateReview(tx, reviewer, in, reputation.Participants{
			Tenant:   r.Tenant,
			Landlord: r.Landlord,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// GetUserReputation returns user's aggregate.
func (p *Platform) GetUserReputation(stub ledger.Stub, user string) (*reputation.UserReputation, error) {
	return p.reputation.Get(stub, user)
}

// GetReviews returns the reviews written about user.
func (p *Platform) GetReviews(stub ledger.Stub, user string) ([]reputation.Review, error) {
	return ledger.Collect(p.reputation.Reviews(stub, user))
}
