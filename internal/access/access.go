// Package access keeps role assignments in world state. Each subsystem
// owns its own Table; a role check is a point read of
// CAPABILITY~{scope}~{role}~{identity}.
package access

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// KeyPrefixCapability is the prefix for role grants: CAPABILITY~{scope}~{role}~{identity}
const KeyPrefixCapability = "CAPABILITY"

// Role names a capability.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleArbitrator Role = "arbitrator"
)

// SystemAccountPrefix marks ledger-owned accounts (escrow custody,
// treasury). No caller identity may start with it.
const SystemAccountPrefix = "#"

// identityPattern accepts Fabric client ids (base64) and hex addresses.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9+/=:._@-]{1,1024}$`)

// ValidateIdentity checks that id can name a party.
func ValidateIdentity(id string) error {
	if id == "" {
		return rentalerr.New(rentalerr.KindInvalidInput, "identity cannot be empty")
	}
	if strings.HasPrefix(id, SystemAccountPrefix) {
		return rentalerr.New(rentalerr.KindInvalidInput, "identity %q is reserved", id)
	}
	if !identityPattern.MatchString(id) {
		return rentalerr.New(rentalerr.KindInvalidInput, "identity %q is malformed", id)
	}
	return nil
}

// Grant is the stored record of a role assignment.
type Grant struct {
	DocType   string `json:"docType"`
	Scope     string `json:"scope"`
	Role      Role   `json:"role"`
	Identity  string `json:"identity"`
	GrantedBy string `json:"grantedBy"`
	GrantedAt int64  `json:"grantedAt"`
	TxID      string `json:"txId"`
}

// Table is the capability set of one subsystem.
type Table struct {
	scope string
}

// NewTable returns the capability table for scope.
func NewTable(scope string) *Table {
	return &Table{scope: scope}
}

// Scope returns the table's scope name.
func (t *Table) Scope() string { return t.scope }

func (t *Table) key(stub ledger.Stub, role Role, identity string) (string, error) {
	return stub.CreateCompositeKey(KeyPrefixCapability, []string{t.scope, string(role), identity})
}

// Has reports whether identity holds role.
func (t *Table) Has(stub ledger.Stub, identity string, role Role) (bool, error) {
	if identity == "" {
		return false, nil
	}
	key, err := t.key(stub, role, identity)
	if err != nil {
		return false, fmt.Errorf("failed to create capability key: %w", err)
	}
	return ledger.Exists(stub, key)
}

// Require fails with UNAUTHORIZED unless identity holds role.
func (t *Table) Require(stub ledger.Stub, identity string, role Role) error {
	ok, err := t.Has(stub, identity, role)
	if err != nil {
		return err
	}
	if !ok {
		return rentalerr.New(rentalerr.KindUnauthorized, "%s role '%s' required", t.scope, role)
	}
	return nil
}

// Grant assigns role to identity. Granting an existing role is a no-op.
func (t *Table) Grant(stub ledger.Stub, identity string, role Role, grantedBy string) error {
	if err := ValidateIdentity(identity); err != nil {
		return err
	}
	key, err := t.key(stub, role, identity)
	if err != nil {
		return fmt.Errorf("failed to create capability key: %w", err)
	}
	exists, err := ledger.Exists(stub, key)
	if err != nil || exists {
		return err
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	return ledger.PutJSON(stub, key, Grant{
		DocType:   "capability",
		Scope:     t.scope,
		Role:      role,
		Identity:  identity,
		GrantedBy: grantedBy,
		GrantedAt: now,
		TxID:      stub.GetTxID(),
	})
}

// Revoke removes role from identity. Revoking a missing role is a no-op.
func (t *Table) Revoke(stub ledger.Stub, identity string, role Role) error {
	key, err := t.key(stub, role, identity)
	if err != nil {
		return fmt.Errorf("failed to create capability key: %w", err)
	}
	return stub.DelState(key)
}

// Members lists the identities holding role.
func (t *Table) Members(stub ledger.Stub, role Role) ([]string, error) {
	members := make([]string, 0)
	for value, err := range ledger.Values(stub, KeyPrefixCapability, t.scope, string(role)) {
		if err != nil {
			return nil, err
		}
		var g Grant
		if err := json.Unmarshal(value, &g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capability: %w", err)
		}
		members = append(members, g.Identity)
	}
	return members, nil
}
