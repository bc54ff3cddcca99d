package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	compositeKeyNamespace = "\x00"
	minUnicodeRuneValue   = 0
	maxUnicodeRuneValue   = utf8.MaxRune
)

// Receipt describes a committed Local transaction.
type Receipt struct {
	TxID      string
	Timestamp time.Time
	Event     *Event
}

// Local is an in-process ledger with the guarantees the platform relies
// on from Fabric: every Submit runs alone against the latest committed
// state and either commits entirely or not at all. Committed state is an
// immutable snapshot swapped on commit, so Read never waits for writers.
type Local struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	clock   func() time.Time
}

// LocalOption configures a Local ledger.
type LocalOption func(*Local)

// WithClock sets the source of transaction timestamps.
func WithClock(clock func() time.Time) LocalOption {
	return func(l *Local) { l.clock = clock }
}

// NewLocal creates an empty in-process ledger.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.current.Store(&snapshot{values: map[string][]byte{}})
	return l
}

// Submit runs fn as one serialized transaction. Writes made through the
// stub become visible to later transactions only if fn returns nil.
func (l *Local) Submit(fn func(stub Stub) error) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	base := &localStub{
		snap:   l.current.Load(),
		txID:   uuid.NewString(),
		ts:     timestamppb.New(now),
		staged: make(map[string][]byte),
	}
	txn := Begin(base)
	if err := fn(txn); err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	l.current.Store(base.snap.apply(base.staged))

	return &Receipt{TxID: base.txID, Timestamp: now, Event: base.event}, nil
}

// Read runs fn against the latest committed snapshot. Writes are rejected.
func (l *Local) Read(fn func(stub Stub) error) error {
	stub := &localStub{
		snap:     l.current.Load(),
		ts:       timestamppb.New(l.clock()),
		readOnly: true,
	}
	return fn(stub)
}

// ============================================================
// Snapshot
// ============================================================

type snapshot struct {
	keys   []string
	values map[string][]byte
}

// apply returns a new snapshot with staged writes applied. A nil staged
// value is a delete.
func (s *snapshot) apply(staged map[string][]byte) *snapshot {
	if len(staged) == 0 {
		return s
	}
	values := make(map[string][]byte, len(s.values)+len(staged))
	for k, v := range s.values {
		values[k] = v
	}
	for k, v := range staged {
		if v == nil {
			delete(values, k)
			continue
		}
		values[k] = v
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &snapshot{keys: keys, values: values}
}

// ============================================================
// Stub over a snapshot
// ============================================================

type localStub struct {
	snap     *snapshot
	txID     string
	ts       *timestamppb.Timestamp
	staged   map[string][]byte
	event    *Event
	readOnly bool
}

func (s *localStub) GetTxID() string { return s.txID }

func (s *localStub) GetTxTimestamp() (*timestamppb.Timestamp, error) { return s.ts, nil }

func (s *localStub) GetState(key string) ([]byte, error) {
	if v, ok := s.staged[key]; ok {
		return append([]byte(nil), v...), nil
	}
	v, ok := s.snap.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *localStub) PutState(key string, value []byte) error {
	if s.readOnly {
		return fmt.Errorf("cannot write %q in a read-only query", key)
	}
	if key == "" {
		return fmt.Errorf("key must not be an empty string")
	}
	s.staged[key] = append([]byte{}, value...)
	return nil
}

func (s *localStub) DelState(key string) error {
	if s.readOnly {
		return fmt.Errorf("cannot delete %q in a read-only query", key)
	}
	s.staged[key] = nil
	return nil
}

func (s *localStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	if err := validateCompositeKeyAttribute(objectType); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(compositeKeyNamespace)
	b.WriteString(objectType)
	b.WriteRune(minUnicodeRuneValue)
	for _, attr := range attributes {
		if err := validateCompositeKeyAttribute(attr); err != nil {
			return "", err
		}
		b.WriteString(attr)
		b.WriteRune(minUnicodeRuneValue)
	}
	return b.String(), nil
}

func (s *localStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	if !strings.HasPrefix(compositeKey, compositeKeyNamespace) {
		return "", nil, fmt.Errorf("not a composite key: %q", compositeKey)
	}
	parts := strings.Split(strings.TrimSuffix(compositeKey[1:], string(rune(minUnicodeRuneValue))), string(rune(minUnicodeRuneValue)))
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty composite key")
	}
	return parts[0], parts[1:], nil
}

func (s *localStub) GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	prefix, err := s.CreateCompositeKey(objectType, keys)
	if err != nil {
		return nil, err
	}
	end := prefix + string(rune(maxUnicodeRuneValue))

	lo := sort.SearchStrings(s.snap.keys, prefix)
	hi := sort.SearchStrings(s.snap.keys, end)
	kvs := make([]*queryresult.KV, 0, hi-lo)
	for _, k := range s.snap.keys[lo:hi] {
		kvs = append(kvs, &queryresult.KV{Key: k, Value: append([]byte(nil), s.snap.values[k]...)})
	}
	return &sliceIterator{kvs: kvs}, nil
}

func (s *localStub) SetEvent(name string, payload []byte) error {
	if s.readOnly {
		return fmt.Errorf("cannot emit event %s in a read-only query", name)
	}
	s.event = &Event{Name: name, Payload: append([]byte(nil), payload...)}
	return nil
}

func validateCompositeKeyAttribute(str string) error {
	if !utf8.ValidString(str) {
		return fmt.Errorf("not a valid utf8 string: [%x]", str)
	}
	for index, runeValue := range str {
		if runeValue == minUnicodeRuneValue || runeValue == maxUnicodeRuneValue {
			return fmt.Errorf(`input contains unicode %#U starting at position [%d]. %#U and %#U are not allowed in the input attribute of a composite key`,
				runeValue, index, minUnicodeRuneValue, maxUnicodeRuneValue)
		}
	}
	return nil
}

// sliceIterator iterates a materialized range of a snapshot.
type sliceIterator struct {
	kvs    []*queryresult.KV
	pos    int
	closed bool
}

func (it *sliceIterator) HasNext() bool { return !it.closed && it.pos < len(it.kvs) }

func (it *sliceIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("iterator exhausted")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}
