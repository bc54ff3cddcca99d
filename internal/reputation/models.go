package reputation

import "github.com/smartrent/chaincode/internal/rentalerr"

// ReviewType is the direction of a review within a rental.
type ReviewType int

const (
	TenantToLandlord ReviewType = iota
	LandlordToTenant
)

func (t ReviewType) String() string {
	switch t {
	case TenantToLandlord:
		return "TENANT_TO_LANDLORD"
	case LandlordToTenant:
		return "LANDLORD_TO_TENANT"
	default:
		return "UNKNOWN"
	}
}

// Validate rejects review types outside the known set.
func (t ReviewType) Validate() error {
	if t != TenantToLandlord && t != LandlordToTenant {
		return rentalerr.New(rentalerr.KindInvalidInput, "unknown review type %d", int(t))
	}
	return nil
}

// Review is an immutable rating of one rental party by the other.
type Review struct {
	DocType        string     `json:"docType"`
	ID             string     `json:"id"`
	Reviewer       string     `json:"reviewer"`
	Reviewee       string     `json:"reviewee"`
	Rating         int        `json:"rating"`
	Text           string     `json:"text"`
	EvidenceHash   string     `json:"evidenceHash"`
	RentalID       string     `json:"rentalId"`
	ReviewType     ReviewType `json:"reviewType"`
	ReviewTypeName string     `json:"reviewTypeName"`
	CreatedAt      int64      `json:"createdAt"`
	TxID           string     `json:"txId"`
}

// ReviewInput is the reviewer-supplied part of a review.
type ReviewInput struct {
	Reviewee     string     `json:"reviewee"`
	Rating       int        `json:"rating"`
	Text         string     `json:"text"`
	EvidenceHash string     `json:"evidenceHash"`
	RentalID     string     `json:"rentalId"`
	ReviewType   ReviewType `json:"reviewType"`
}

// Participants are the two parties of the rental a review refers to.
type Participants struct {
	Tenant   string
	Landlord string
}

// UserReputation is the running aggregate for one identity.
// ReputationScore is the average rating times 100, rounded half up.
type UserReputation struct {
	DocType          string `json:"docType"`
	User             string `json:"user"`
	TotalReviews     int64  `json:"totalReviews"`
	TotalRatingSum   int64  `json:"totalRatingSum"`
	ReputationScore  int64  `json:"reputationScore"`
	CompletedRentals int64  `json:"completedRentals"`
	CancelledRentals int64  `json:"cancelledRentals"`
	DisputeCount     int64  `json:"disputeCount"`
	IsVerified       bool   `json:"isVerified"`
	UpdatedAt        int64  `json:"updatedAt"`
}

func (r *UserReputation) addRating(rating int) {
	r.TotalReviews++
	r.TotalRatingSum += int64(rating)
	r.ReputationScore = (r.TotalRatingSum*100 + r.TotalReviews/2) / r.TotalReviews
}

const (
	EventReviewCreated = "REVIEW_CREATED"
	EventUserVerified  = "USER_VERIFICATION_CHANGED"
)

// ReviewEvent is emitted when a review is recorded.
type ReviewEvent struct {
	Type            string `json:"type"`
	ReviewID        string `json:"reviewId"`
	Reviewer        string `json:"reviewer"`
	Reviewee        string `json:"reviewee"`
	RentalID        string `json:"rentalId"`
	Rating          int    `json:"rating"`
	ReputationScore int64  `json:"reputationScore"`
	TxID            string `json:"txId"`
	Timestamp       int64  `json:"timestamp"`
}

// VerificationEvent is emitted when an admin changes a user's verified flag.
type VerificationEvent struct {
	Type       string `json:"type"`
	User       string `json:"user"`
	IsVerified bool   `json:"isVerified"`
	ChangedBy  string `json:"changedBy"`
	TxID       string `json:"txId"`
	Timestamp  int64  `json:"timestamp"`
}
