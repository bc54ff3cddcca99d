// Package reputation keeps reviews and per-user reputation aggregates.
// Reviews are append-only and aggregates only ever grow.
package reputation

import (
	"fmt"
	"iter"
	"strconv"
	"unicode/utf8"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

const (
	// KeyPrefixReputation is the prefix for aggregates: REPUTATION~{user}
	KeyPrefixReputation = "REPUTATION"
	// KeyPrefixReview is the prefix for reviews received: REVIEW~{reviewee}~{reviewId}
	KeyPrefixReview = "REVIEW"
	// KeyPrefixReviewGuard marks a used review slot: REVIEW_GUARD~{reviewer}~{rentalId}~{reviewType}
	KeyPrefixReviewGuard = "REVIEW_GUARD"
)

const (
	MinRating     = 1
	MaxRating     = 5
	maxTextLength = 2000
)

// Ledger records reviews and rental outcomes per user.
type Ledger struct {
	admins *access.Table
}

// NewLedger returns a reputation ledger whose verified flags are
// managed by admins.
func NewLedger(admins *access.Table) *Ledger {
	return &Ledger{admins: admins}
}

// CreateReview records reviewer's review of the other party to a
// rental. The review direction must match the parties' roles in it.
func (l *Ledger) CreateReview(stub ledger.Stub, reviewer string, in ReviewInput, parties Participants) (*Review, error) {
	if reviewer == in.Reviewee {
		return nil, rentalerr.New(rentalerr.KindSelfReview, "cannot review yourself")
	}
	if in.Rating < MinRating || in.Rating > MaxRating {
		return nil, rentalerr.New(rentalerr.KindInvalidRating, "rating must be within [%d, %d], got %d", MinRating, MaxRating, in.Rating)
	}
	if err := in.ReviewType.Validate(); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(in.Text) > maxTextLength {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "review text exceeds %d characters", maxTextLength)
	}
	if err := checkDirection(reviewer, in, parties); err != nil {
		return nil, err
	}

	guardKey, err := stub.CreateCompositeKey(KeyPrefixReviewGuard, []string{reviewer, in.RentalID, strconv.Itoa(int(in.ReviewType))})
	if err != nil {
		return nil, fmt.Errorf("failed to create review guard key: %w", err)
	}
	used, err := ledger.Exists(stub, guardKey)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, rentalerr.New(rentalerr.KindDuplicateReview, "%s already reviewed rental %s as %s", reviewer, in.RentalID, in.ReviewType)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	review := &Review{
		DocType:        "review",
		ID:             ledger.NewID(stub, "review"),
		Reviewer:       reviewer,
		Reviewee:       in.Reviewee,
		Rating:         in.Rating,
		Text:           in.Text,
		EvidenceHash:   in.EvidenceHash,
		RentalID:       in.RentalID,
		ReviewType:     in.ReviewType,
		ReviewTypeName: in.ReviewType.String(),
		CreatedAt:      now,
		TxID:           stub.GetTxID(),
	}
	reviewKey, err := stub.CreateCompositeKey(KeyPrefixReview, []string{in.Reviewee, review.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to create review key: %w", err)
	}
	if err := ledger.PutJSON(stub, reviewKey, review); err != nil {
		return nil, err
	}
	if err := ledger.PutJSON(stub, guardKey, map[string]string{"reviewId": review.ID}); err != nil {
		return nil, err
	}

	var score int64
	err = l.update(stub, in.Reviewee, func(r *UserReputation) {
		r.addRating(in.Rating)
		score = r.ReputationScore
	})
	if err != nil {
		return nil, err
	}
	return review, ledger.EmitEvent(stub, EventReviewCreated, ReviewEvent{
		Type:            EventReviewCreated,
		ReviewID:        review.ID,
		Reviewer:        reviewer,
		Reviewee:        in.Reviewee,
		RentalID:        in.RentalID,
		Rating:          in.Rating,
		ReputationScore: score,
		TxID:            review.TxID,
		Timestamp:       now,
	})
}

// RecordCompleted counts a completed rental for each user.
func (l *Ledger) RecordCompleted(stub ledger.Stub, users ...string) error {
	return l.updateAll(stub, users, func(r *UserReputation) { r.CompletedRentals++ })
}

// RecordCancelled counts a cancelled rental for each user.
func (l *Ledger) RecordCancelled(stub ledger.Stub, users ...string) error {
	return l.updateAll(stub, users, func(r *UserReputation) { r.CancelledRentals++ })
}

// RecordDispute counts a dispute against each user.
func (l *Ledger) RecordDispute(stub ledger.Stub, users ...string) error {
	return l.updateAll(stub, users, func(r *UserReputation) { r.DisputeCount++ })
}

// Verify sets the verified flag of user. Admin only.
func (l *Ledger) Verify(stub ledger.Stub, caller, user string, verified bool) (*UserReputation, error) {
	if err := l.admins.Require(stub, caller, access.RoleAdmin); err != nil {
		return nil, err
	}
	if err := access.ValidateIdentity(user); err != nil {
		return nil, err
	}
	var out UserReputation
	err := l.update(stub, user, func(r *UserReputation) {
		r.IsVerified = verified
		out = *r
	})
	if err != nil {
		return nil, err
	}
	return &out, ledger.EmitEvent(stub, EventUserVerified, VerificationEvent{
		Type:       EventUserVerified,
		User:       user,
		IsVerified: verified,
		ChangedBy:  caller,
		TxID:       stub.GetTxID(),
		Timestamp:  out.UpdatedAt,
	})
}

// Get returns the aggregate of user. Users nobody has reviewed have a
// zero aggregate rather than NOT_FOUND.
func (l *Ledger) Get(stub ledger.Stub, user string) (*UserReputation, error) {
	key, err := stub.CreateCompositeKey(KeyPrefixReputation, []string{user})
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation key: %w", err)
	}
	r := &UserReputation{DocType: "reputation", User: user}
	if _, err := ledger.GetJSON(stub, key, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Reviews yields the reviews user has received.
func (l *Ledger) Reviews(stub ledger.Stub, user string) iter.Seq2[Review, error] {
	return ledger.Records[Review](ledger.Values(stub, KeyPrefixReview, user))
}

func (l *Ledger) updateAll(stub ledger.Stub, users []string, fn func(*UserReputation)) error {
	for _, user := range users {
		if err := l.update(stub, user, fn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) update(stub ledger.Stub, user string, fn func(*UserReputation)) error {
	r, err := l.Get(stub, user)
	if err != nil {
		return err
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	r.UpdatedAt = now
	fn(r)
	key, err := stub.CreateCompositeKey(KeyPrefixReputation, []string{user})
	if err != nil {
		return fmt.Errorf("failed to create reputation key: %w", err)
	}
	return ledger.PutJSON(stub, key, r)
}

func checkDirection(reviewer string, in ReviewInput, parties Participants) error {
	var wantReviewer, wantReviewee string
	switch in.ReviewType {
	case TenantToLandlord:
		wantReviewer, wantReviewee = parties.Tenant, parties.Landlord
	case LandlordToTenant:
		wantReviewer, wantReviewee = parties.Landlord, parties.Tenant
	}
	if reviewer != wantReviewer || in.Reviewee != wantReviewee {
		return rentalerr.New(rentalerr.KindUnauthorized, "%s review of rental %s must be written by %s about %s",
			in.ReviewType, in.RentalID, wantReviewer, wantReviewee)
	}
	return nil
}
