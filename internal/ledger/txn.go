package ledger

import (
	"encoding/json"
	"fmt"
)

// Event is one typed event recorded during a transaction.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// EventBatch is the payload of the single chaincode event a committed
// transaction emits. Fabric keeps only the last SetEvent per transaction,
// so every event recorded by the subsystems is folded into one batch.
type EventBatch struct {
	TxID   string  `json:"txId"`
	Events []Event `json:"events"`
}

// Txn buffers writes and events on top of a Stub. Reads see the
// transaction's own writes. Nothing reaches the underlying stub until
// Commit, so an operation that fails part-way leaves no trace.
//
// Range queries are answered by the underlying stub and therefore only
// observe committed state, the same as on a Fabric peer.
type Txn struct {
	Stub

	writes    map[string][]byte
	deletes   map[string]struct{}
	order     []string
	events    []Event
	committed bool
}

// Begin opens a buffered transaction over stub.
func Begin(stub Stub) *Txn {
	return &Txn{
		Stub:    stub,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// GetState returns the buffered value for key if the transaction wrote
// it, otherwise the underlying value.
func (t *Txn) GetState(key string) ([]byte, error) {
	if _, ok := t.deletes[key]; ok {
		return nil, nil
	}
	if v, ok := t.writes[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return t.Stub.GetState(key)
}

// PutState buffers a write.
func (t *Txn) PutState(key string, value []byte) error {
	if t.committed {
		return fmt.Errorf("transaction %s already committed", t.GetTxID())
	}
	if key == "" {
		return fmt.Errorf("key must not be an empty string")
	}
	if value == nil {
		value = []byte{}
	}
	t.touch(key)
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

// DelState buffers a delete.
func (t *Txn) DelState(key string) error {
	if t.committed {
		return fmt.Errorf("transaction %s already committed", t.GetTxID())
	}
	if key == "" {
		return fmt.Errorf("key must not be an empty string")
	}
	t.touch(key)
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
	return nil
}

// SetEvent records an event. All recorded events are emitted together
// on Commit.
func (t *Txn) SetEvent(name string, payload []byte) error {
	if name == "" {
		return fmt.Errorf("event name must not be an empty string")
	}
	t.events = append(t.events, Event{Name: name, Payload: append(json.RawMessage(nil), payload...)})
	return nil
}

// Events returns the events recorded so far.
func (t *Txn) Events() []Event {
	return append([]Event(nil), t.events...)
}

// Commit flushes buffered writes in first-touch order and emits one
// chaincode event named after the first recorded event.
func (t *Txn) Commit() error {
	if t.committed {
		return fmt.Errorf("transaction %s already committed", t.GetTxID())
	}
	t.committed = true

	for _, key := range t.order {
		if _, ok := t.deletes[key]; ok {
			if err := t.Stub.DelState(key); err != nil {
				return fmt.Errorf("failed to delete state %q: %w", key, err)
			}
			continue
		}
		if err := t.Stub.PutState(key, t.writes[key]); err != nil {
			return fmt.Errorf("failed to put state %q: %w", key, err)
		}
	}

	if len(t.events) == 0 {
		return nil
	}
	batch, err := json.Marshal(EventBatch{TxID: t.GetTxID(), Events: t.events})
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}
	if err := t.Stub.SetEvent(t.events[0].Name, batch); err != nil {
		return fmt.Errorf("failed to emit event %s: %w", t.events[0].Name, err)
	}
	return nil
}

func (t *Txn) touch(key string) {
	if _, ok := t.writes[key]; ok {
		return
	}
	if _, ok := t.deletes[key]; ok {
		return
	}
	t.order = append(t.order, key)
}
