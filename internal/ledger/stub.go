// Package ledger holds the world-state plumbing shared by the rental
// subsystems: the stub surface they run against, a buffered transaction
// that commits all-or-nothing, an in-process single-writer ledger for
// deployments without a Fabric network, and JSON/key helpers.
package ledger

import (
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Stub is the part of shim.ChaincodeStubInterface the platform uses.
// A Fabric peer stub satisfies it directly, as do Txn and Local.
type Stub interface {
	GetTxID() string
	GetTxTimestamp() (*timestamppb.Timestamp, error)

	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	DelState(key string) error

	CreateCompositeKey(objectType string, attributes []string) (string, error)
	SplitCompositeKey(compositeKey string) (string, []string, error)
	GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error)

	SetEvent(name string, payload []byte) error
}
