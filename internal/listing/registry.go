// Package listing owns property listings. A metadata hash may back at
// most one listing over the registry's lifetime; listings are never
// deleted, only deactivated.
package listing

import (
	"fmt"
	"iter"
	"regexp"
	"unicode/utf8"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// ============================================================
// Composite Key Prefixes
// ============================================================

const (
	// KeyPrefixListing is the prefix for listing records: LISTING~{listingId}
	KeyPrefixListing = "LISTING"
	// KeyPrefixOwnerIndex is the prefix for the landlord index: LISTING_OWNER~{landlord}~{listingId}
	KeyPrefixOwnerIndex = "LISTING_OWNER"
	// KeyPrefixHashIndex is the prefix for metadata hash claims: LISTING_HASH~{metadataHash}
	KeyPrefixHashIndex = "LISTING_HASH"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 5000
)

// metadataHashPattern accepts CIDs, hex digests and short test handles.
var metadataHashPattern = regexp.MustCompile(`^[A-Za-z0-9._:/+=-]{1,256}$`)

// ownerEntry is the value of an owner index key.
type ownerEntry struct {
	ListingID string `json:"listingId"`
}

// Registry stores listings. Admins in the registry's capability table
// may moderate any listing.
type Registry struct {
	admins *access.Table
}

// NewRegistry returns a registry moderated by admins.
func NewRegistry(admins *access.Table) *Registry {
	return &Registry{admins: admins}
}

// ============================================================
// Mutations
// ============================================================

// Create publishes a new active listing owned by landlord.
func (r *Registry) Create(stub ledger.Stub, landlord string, d Draft) (*Listing, error) {
	if err := access.ValidateIdentity(landlord); err != nil {
		return nil, err
	}
	if err := validateTerms(d.Title, d.Description, d.PricePerDay, d.DepositAmount); err != nil {
		return nil, err
	}
	if !metadataHashPattern.MatchString(d.MetadataHash) {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "metadataHash '%s' is malformed", d.MetadataHash)
	}

	hashKey, err := stub.CreateCompositeKey(KeyPrefixHashIndex, []string{d.MetadataHash})
	if err != nil {
		return nil, fmt.Errorf("failed to create hash key: %w", err)
	}
	claimed, err := ledger.Exists(stub, hashKey)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, rentalerr.New(rentalerr.KindDuplicateMetadata, "metadata hash %s is already listed", d.MetadataHash)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	l := &Listing{
		DocType:       "listing",
		ID:            ledger.NewID(stub, "listing"),
		Landlord:      landlord,
		Title:         d.Title,
		Description:   d.Description,
		PricePerDay:   d.PricePerDay,
		DepositAmount: d.DepositAmount,
		IsActive:      true,
		MetadataHash:  d.MetadataHash,
		CreatedAt:     now,
		UpdatedAt:     now,
		UpdatedBy:     landlord,
		TxID:          stub.GetTxID(),
	}
	if err := r.put(stub, l); err != nil {
		return nil, err
	}
	if err := ledger.PutJSON(stub, hashKey, ownerEntry{ListingID: l.ID}); err != nil {
		return nil, err
	}
	ownerKey, err := stub.CreateCompositeKey(KeyPrefixOwnerIndex, []string{landlord, l.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to create owner index key: %w", err)
	}
	if err := ledger.PutJSON(stub, ownerKey, ownerEntry{ListingID: l.ID}); err != nil {
		return nil, err
	}

	return l, ledger.EmitEvent(stub, EventCreated, CreatedEvent{
		Type:          EventCreated,
		ListingID:     l.ID,
		Landlord:      landlord,
		PricePerDay:   l.PricePerDay,
		DepositAmount: l.DepositAmount,
		MetadataHash:  l.MetadataHash,
		TxID:          l.TxID,
		Timestamp:     now,
	})
}

// SetActive activates or deactivates a listing. Only the landlord or a
// registry admin may do so. Setting the current value writes nothing.
func (r *Registry) SetActive(stub ledger.Stub, caller, id string, active bool) (*Listing, error) {
	l, err := r.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(stub, caller, l); err != nil {
		return nil, err
	}
	if l.IsActive == active {
		return l, nil
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	l.IsActive = active
	l.UpdatedAt = now
	l.UpdatedBy = caller
	l.TxID = stub.GetTxID()
	if err := r.put(stub, l); err != nil {
		return nil, err
	}
	return l, ledger.EmitEvent(stub, EventStatusChanged, StatusEvent{
		Type:      EventStatusChanged,
		ListingID: l.ID,
		IsActive:  active,
		ChangedBy: caller,
		TxID:      l.TxID,
		Timestamp: now,
	})
}

// Update replaces the mutable terms of a listing.
func (r *Registry) Update(stub ledger.Stub, caller, id string, c Changes) (*Listing, error) {
	if err := validateTerms(c.Title, c.Description, c.PricePerDay, c.DepositAmount); err != nil {
		return nil, err
	}
	l, err := r.Get(stub, id)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(stub, caller, l); err != nil {
		return nil, err
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	l.Title = c.Title
	l.Description = c.Description
	l.PricePerDay = c.PricePerDay
	l.DepositAmount = c.DepositAmount
	l.UpdatedAt = now
	l.UpdatedBy = caller
	l.TxID = stub.GetTxID()
	if err := r.put(stub, l); err != nil {
		return nil, err
	}
	return l, ledger.EmitEvent(stub, EventUpdated, UpdatedEvent{
		Type:          EventUpdated,
		ListingID:     l.ID,
		PricePerDay:   l.PricePerDay,
		DepositAmount: l.DepositAmount,
		UpdatedBy:     caller,
		TxID:          l.TxID,
		Timestamp:     now,
	})
}

// ============================================================
// Queries
// ============================================================

// Get returns the listing with id or fails with NOT_FOUND.
func (r *Registry) Get(stub ledger.Stub, id string) (*Listing, error) {
	if id == "" {
		return nil, rentalerr.New(rentalerr.KindInvalidInput, "listingId cannot be empty")
	}
	key, err := stub.CreateCompositeKey(KeyPrefixListing, []string{id})
	if err != nil {
		return nil, fmt.Errorf("failed to create listing key: %w", err)
	}
	var l Listing
	found, err := ledger.GetJSON(stub, key, &l)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rentalerr.New(rentalerr.KindNotFound, "listing %s does not exist", id)
	}
	return &l, nil
}

// All yields every listing, active or not.
func (r *Registry) All(stub ledger.Stub) iter.Seq2[Listing, error] {
	return ledger.Records[Listing](ledger.Values(stub, KeyPrefixListing))
}

// ByOwner yields the listings of landlord in id order.
func (r *Registry) ByOwner(stub ledger.Stub, landlord string) iter.Seq2[Listing, error] {
	return func(yield func(Listing, error) bool) {
		for entry, err := range ledger.Records[ownerEntry](ledger.Values(stub, KeyPrefixOwnerIndex, landlord)) {
			if err != nil {
				yield(Listing{}, err)
				return
			}
			l, err := r.Get(stub, entry.ListingID)
			if err != nil {
				yield(Listing{}, err)
				return
			}
			if !yield(*l, nil) {
				return
			}
		}
	}
}

// CountByOwner returns how many listings landlord has created.
func (r *Registry) CountByOwner(stub ledger.Stub, landlord string) (int, error) {
	n := 0
	for _, err := range ledger.Values(stub, KeyPrefixOwnerIndex, landlord) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// ============================================================
// Helpers
// ============================================================

func (r *Registry) put(stub ledger.Stub, l *Listing) error {
	key, err := stub.CreateCompositeKey(KeyPrefixListing, []string{l.ID})
	if err != nil {
		return fmt.Errorf("failed to create listing key: %w", err)
	}
	return ledger.PutJSON(stub, key, l)
}

func (r *Registry) authorize(stub ledger.Stub, caller string, l *Listing) error {
	if caller != "" && caller == l.Landlord {
		return nil
	}
	isAdmin, err := r.admins.Has(stub, caller, access.RoleAdmin)
	if err != nil {
		return err
	}
	if !isAdmin {
		return rentalerr.New(rentalerr.KindUnauthorized, "only the landlord or an admin may modify listing %s", l.ID)
	}
	return nil
}

func validateTerms(title, description string, pricePerDay, deposit int64) error {
	if title == "" {
		return rentalerr.New(rentalerr.KindInvalidInput, "title cannot be empty")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return rentalerr.New(rentalerr.KindInvalidInput, "title exceeds %d characters", maxTitleLength)
	}
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return rentalerr.New(rentalerr.KindInvalidInput, "description exceeds %d characters", maxDescriptionLength)
	}
	if pricePerDay <= 0 {
		return rentalerr.New(rentalerr.KindInvalidInput, "pricePerDay must be positive, got %d", pricePerDay)
	}
	if deposit < 0 {
		return rentalerr.New(rentalerr.KindInvalidInput, "depositAmount cannot be negative, got %d", deposit)
	}
	return nil
}
