package listing

// ============================================================
// Listing is a landlord's property offer
// ============================================================

// Listing is a property offer stored in world state. Amounts are in
// minor units; timestamps are Unix seconds.
type Listing struct {
	DocType       string `json:"docType"`
	ID            string `json:"id"`
	Landlord      string `json:"landlordId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	PricePerDay   int64  `json:"pricePerDay"`
	DepositAmount int64  `json:"depositAmount"`
	IsActive      bool   `json:"isActive"`
	MetadataHash  string `json:"metadataHash"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
	UpdatedBy     string `json:"updatedBy"`
	TxID          string `json:"txId"`
}

// Draft is the landlord-supplied content of a new listing.
type Draft struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	PricePerDay   int64  `json:"pricePerDay"`
	DepositAmount int64  `json:"depositAmount"`
	MetadataHash  string `json:"metadataHash"`
}

// Changes are the mutable terms of an existing listing. The metadata
// hash is fixed at creation.
type Changes struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	PricePerDay   int64  `json:"pricePerDay"`
	DepositAmount int64  `json:"depositAmount"`
}

// ============================================================
// Events
// ============================================================

// CreatedEvent is emitted when a landlord publishes a listing.
type CreatedEvent struct {
	Type          string `json:"type"`
	ListingID     string `json:"listingId"`
	Landlord      string `json:"landlordId"`
	PricePerDay   int64  `json:"pricePerDay"`
	DepositAmount int64  `json:"depositAmount"`
	MetadataHash  string `json:"metadataHash"`
	TxID          string `json:"txId"`
	Timestamp     int64  `json:"timestamp"`
}

// UpdatedEvent is emitted when listing terms change.
type UpdatedEvent struct {
	Type          string `json:"type"`
	ListingID     string `json:"listingId"`
	PricePerDay   int64  `json:"pricePerDay"`
	DepositAmount int64  `json:"depositAmount"`
	UpdatedBy     string `json:"updatedBy"`
	TxID          string `json:"txId"`
	Timestamp     int64  `json:"timestamp"`
}

// StatusEvent is emitted when a listing is activated or deactivated.
type StatusEvent struct {
	Type      string `json:"type"`
	ListingID string `json:"listingId"`
	IsActive  bool   `json:"isActive"`
	ChangedBy string `json:"changedBy"`
	TxID      string `json:"txId"`
	Timestamp int64  `json:"timestamp"`
}

const (
	EventCreated       = "LISTING_CREATED"
	EventUpdated       = "LISTING_UPDATED"
	EventStatusChanged = "LISTING_STATUS_CHANGED"
)
