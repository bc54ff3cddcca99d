package ledger

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// idNamespace scopes record ids derived from transaction ids.
var idNamespace = uuid.MustParse("6f1c3f4e-8b0a-4d8e-9a57-2f3c9f1d7b21")

// GetJSON loads key into v. It reports false when the key is absent.
func GetJSON(stub Stub, key string, v interface{}) (bool, error) {
	data, err := stub.GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %w", err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v under key.
func PutJSON(stub Stub, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	if err := stub.PutState(key, data); err != nil {
		return fmt.Errorf("failed to put state: %w", err)
	}
	return nil
}

// Exists reports whether key holds a value.
func Exists(stub Stub, key string) (bool, error) {
	data, err := stub.GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %w", err)
	}
	return data != nil, nil
}

// Now returns the transaction timestamp in Unix seconds. Every endorser
// sees the same value, unlike the local clock.
func Now(stub Stub) (int64, error) {
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return 0, fmt.Errorf("failed to read transaction timestamp: %w", err)
	}
	if ts == nil {
		return 0, fmt.Errorf("transaction timestamp is not set")
	}
	return ts.GetSeconds(), nil
}

// NewID derives a record id from the transaction id and a record kind.
// The result is deterministic across endorsers; a transaction may create
// at most one record per kind.
func NewID(stub Stub, kind string) string {
	return uuid.NewSHA1(idNamespace, []byte(kind+"/"+stub.GetTxID())).String()
}

// EmitEvent serialises the given event payload to JSON and sets it as a
// chaincode event on the stub.
func EmitEvent(stub Stub, eventName string, payload interface{}) error {
	eventJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", eventName, err)
	}
	if err := stub.SetEvent(eventName, eventJSON); err != nil {
		return fmt.Errorf("failed to emit event %s: %w", eventName, err)
	}
	return nil
}

// Values lazily yields the values stored under a partial composite key.
// Ranging again re-runs the query. Iteration stops after the first error.
func Values(stub Stub, objectType string, attrs ...string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		iterator, err := stub.GetStateByPartialCompositeKey(objectType, attrs)
		if err != nil {
			yield(nil, fmt.Errorf("failed to query %s index: %w", objectType, err))
			return
		}
		defer iterator.Close()

		for iterator.HasNext() {
			kv, err := iterator.Next()
			if err != nil {
				yield(nil, fmt.Errorf("failed to iterate %s index: %w", objectType, err))
				return
			}
			if !yield(kv.Value, nil) {
				return
			}
		}
	}
}

// Collect drains a sequence into a slice. The slice is never nil so it
// serialises as an empty JSON array.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	out := make([]T, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Records decodes each value of seq as a JSON-encoded T.
func Records[T any](seq iter.Seq2[[]byte, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for data, err := range seq {
			var v T
			if err != nil {
				yield(v, err)
				return
			}
			if err := json.Unmarshal(data, &v); err != nil {
				yield(v, fmt.Errorf("failed to unmarshal record: %w", err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// StatusEntry records a status transition in a record's lifecycle.
type StatusEntry struct {
	Status string `json:"status"`
	At     int64  `json:"at"`
	By     string `json:"by"`
	TxID   string `json:"txId"`
}
