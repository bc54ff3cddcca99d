package subscription

import (
	"strconv"
	"strings"

	"github.com/smartrent/chaincode/internal/rentalerr"
)

// ============================================================
// Plans and pricing
// ============================================================

// Plan is a subscription tier.
type Plan int

const (
	PlanFree Plan = iota
	PlanPro
	PlanPremium
)

// MonthSeconds is the length of a billing month (30 days).
const MonthSeconds int64 = 30 * 24 * 60 * 60

const (
	MinDurationMonths = 1
	MaxDurationMonths = 36

	// yearlyMonths earns the yearly discount.
	yearlyMonths          = 12
	yearlyDiscountPercent = 20
)

// UnlimitedListings is the listing limit of plans without one.
const UnlimitedListings = -1

var planNames = map[Plan]string{
	PlanFree:    "FREE",
	PlanPro:     "PRO",
	PlanPremium: "PREMIUM",
}

// monthlyPrices are in minor units.
var monthlyPrices = map[Plan]int64{
	PlanFree:    0,
	PlanPro:     3000,
	PlanPremium: 5000,
}

var listingLimits = map[Plan]int{
	PlanFree:    3,
	PlanPro:     10,
	PlanPremium: UnlimitedListings,
}

func (p Plan) String() string {
	if name, ok := planNames[p]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := planNames[p]
	return ok
}

// ParsePlan accepts a plan name (any case) or its number.
func ParsePlan(s string) (Plan, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for plan, name := range planNames {
		if s == name || s == strconv.Itoa(int(plan)) {
			return plan, nil
		}
	}
	return 0, rentalerr.New(rentalerr.KindInvalidInput, "unknown plan '%s'", s)
}

// Features returns the feature mask the plan unlocks.
func (p Plan) Features() Feature {
	switch p {
	case PlanPro:
		return FeaturePriorityPlacement | FeaturePremiumFilters | FeatureViewAnalytics
	case PlanPremium:
		return AllFeatures
	default:
		return 0
	}
}

// ListingLimit returns how many listings a landlord on this plan may
// hold, or UnlimitedListings.
func (p Plan) ListingLimit() int {
	if limit, ok := listingLimits[p]; ok {
		return limit
	}
	return listingLimits[PlanFree]
}

// CalculatePrice returns the price of durationMonths of plan. Twelve
// months are discounted by 20%.
func CalculatePrice(plan Plan, durationMonths int) (int64, error) {
	if !plan.Valid() {
		return 0, rentalerr.New(rentalerr.KindInvalidInput, "unknown plan %d", int(plan))
	}
	if durationMonths < MinDurationMonths || durationMonths > MaxDurationMonths {
		return 0, rentalerr.New(rentalerr.KindInvalidInput, "durationMonths must be within [%d, %d], got %d",
			MinDurationMonths, MaxDurationMonths, durationMonths)
	}
	price := monthlyPrices[plan] * int64(durationMonths)
	if durationMonths == yearlyMonths {
		price = price * (100 - yearlyDiscountPercent) / 100
	}
	return price, nil
}

// ============================================================
// Premium features
// ============================================================

// Feature is a bit in a plan's feature mask.
type Feature uint64

const (
	FeaturePriorityPlacement Feature = 1 << iota
	FeaturePremiumFilters
	FeatureViewAnalytics
	FeatureVIPSupport
	FeatureTopPlacement
	FeaturePremiumBadge
	FeatureUnlimitedListings
)

// AllFeatures is every known feature bit.
const AllFeatures = FeaturePriorityPlacement | FeaturePremiumFilters | FeatureViewAnalytics |
	FeatureVIPSupport | FeatureTopPlacement | FeaturePremiumBadge | FeatureUnlimitedListings

// Includes reports whether mask carries every bit of f. The zero
// feature is never included.
func (mask Feature) Includes(f Feature) bool {
	return f != 0 && mask&f == f
}
