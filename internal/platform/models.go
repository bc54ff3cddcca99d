package platform

// KeyPrefixPlatform is the prefix for platform singletons: PLATFORM~{name}
const KeyPrefixPlatform = "PLATFORM"

const (
	stateKeyName      = "state"
	statisticsKeyName = "statistics"
)

// State is the platform's global switchboard.
type State struct {
	DocType             string `json:"docType"`
	Initialized         bool   `json:"initialized"`
	Paused              bool   `json:"paused"`
	InitializedBy       string `json:"initializedBy"`
	InitializedAt       int64  `json:"initializedAt"`
	EnforceListingQuota bool   `json:"enforceListingQuota"`
	UpdatedAt           int64  `json:"updatedAt"`
	UpdatedBy           string `json:"updatedBy"`
	TxID                string `json:"txId"`
}

// Statistics are running platform totals. They only ever grow.
type Statistics struct {
	DocType       string `json:"docType"`
	TotalListings int64  `json:"totalListings"`
	TotalRentals  int64  `json:"totalRentals"`
	TotalDisputes int64  `json:"totalDisputes"`
	TotalVolume   int64  `json:"totalVolume"`
	UpdatedAt     int64  `json:"updatedAt"`
}

const (
	EventPlatformInitialized = "PLATFORM_INITIALIZED"
	EventPlatformPaused      = "PLATFORM_PAUSED"
	EventPlatformUnpaused    = "PLATFORM_UNPAUSED"
	EventAdminGranted        = "ADMIN_GRANTED"
	EventAdminRevoked        = "ADMIN_REVOKED"
	EventStatisticsUpdated   = "STATISTICS_UPDATED"
)

// StateEvent is emitted when the platform is initialized, paused or
// unpaused.
type StateEvent struct {
	Type      string `json:"type"`
	Paused    bool   `json:"paused"`
	Actor     string `json:"actor"`
	TxID      string `json:"txId"`
	Timestamp int64  `json:"timestamp"`
}

// AdminEvent is emitted when the admin set changes.
type AdminEvent struct {
	Type      string `json:"type"`
	Admin     string `json:"admin"`
	ChangedBy string `json:"changedBy"`
	TxID      string `json:"txId"`
	Timestamp int64  `json:"timestamp"`
}

// StatisticsEvent carries the totals after an update.
type StatisticsEvent struct {
	Type          string `json:"type"`
	TotalListings int64  `json:"totalListings"`
	TotalRentals  int64  `json:"totalRentals"`
	TotalDisputes int64  `json:"totalDisputes"`
	TotalVolume   int64  `json:"totalVolume"`
	TxID          string `json:"txId"`
	Timestamp     int64  `json:"timestamp"`
}

// Identity describes a caller as the platform sees it.
type Identity struct {
	ID           string `json:"id"`
	MSPID        string `json:"mspId"`
	IsAdmin      bool   `json:"isAdmin"`
	IsArbitrator bool   `json:"isArbitrator"`
}
