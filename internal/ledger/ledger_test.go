package ledger

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestTxnReadYourWritesAndCommit(t *testing.T) {
	l := NewLocal()

	receipt, err := l.Submit(func(stub Stub) error {
		require.NoError(t, PutJSON(stub, "a", record{Name: "a", Count: 1}))

		var got record
		found, err := GetJSON(stub, "a", &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 1, got.Count)

		require.NoError(t, EmitEvent(stub, "FIRST", map[string]string{"k": "v"}))
		return EmitEvent(stub, "SECOND", map[string]int{"n": 2})
	})
	require.NoError(t, err)
	require.NotNil(t, receipt.Event)
	assert.Equal(t, "FIRST", receipt.Event.Name)

	var batch EventBatch
	require.NoError(t, json.Unmarshal(receipt.Event.Payload, &batch))
	assert.Equal(t, receipt.TxID, batch.TxID)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "SECOND", batch.Events[1].Name)

	err = l.Read(func(stub Stub) error {
		var got record
		found, err := GetJSON(stub, "a", &got)
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestSubmitErrorDiscardsWrites(t *testing.T) {
	l := NewLocal()
	boom := errors.New("boom")

	_, err := l.Submit(func(stub Stub) error {
		require.NoError(t, stub.PutState("k", []byte("v")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, l.Read(func(stub Stub) error {
		ok, err := Exists(stub, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestTxnDeleteHidesValue(t *testing.T) {
	l := NewLocal()
	_, err := l.Submit(func(stub Stub) error { return stub.PutState("k", []byte("v")) })
	require.NoError(t, err)

	_, err = l.Submit(func(stub Stub) error {
		require.NoError(t, stub.DelState("k"))
		v, err := stub.GetState("k")
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.Read(func(stub Stub) error {
		ok, err := Exists(stub, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestReadIsReadOnly(t *testing.T) {
	l := NewLocal()
	err := l.Read(func(stub Stub) error { return stub.PutState("k", []byte("v")) })
	assert.Error(t, err)
}

func TestPartialCompositeKeyRange(t *testing.T) {
	l := NewLocal()
	_, err := l.Submit(func(stub Stub) error {
		for _, attrs := range [][]string{{"alice", "1"}, {"alice", "2"}, {"bob", "1"}} {
			key, err := stub.CreateCompositeKey("OWNER", attrs)
			require.NoError(t, err)
			require.NoError(t, stub.PutState(key, []byte(attrs[0]+attrs[1])))
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.Read(func(stub Stub) error {
		values, err := Collect(Values(stub, "OWNER", "alice"))
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("alice1"), []byte("alice2")}, values)

		all, err := Collect(Values(stub, "OWNER"))
		require.NoError(t, err)
		assert.Len(t, all, 3)

		key, err := stub.CreateCompositeKey("OWNER", []string{"bob", "1"})
		require.NoError(t, err)
		objectType, attrs, err := stub.SplitCompositeKey(key)
		require.NoError(t, err)
		assert.Equal(t, "OWNER", objectType)
		assert.Equal(t, []string{"bob", "1"}, attrs)
		return nil
	}))
}

func TestCompositeKeyRejectsNul(t *testing.T) {
	l := NewLocal()
	require.NoError(t, l.Read(func(stub Stub) error {
		_, err := stub.CreateCompositeKey("OWNER", []string{"a\x00b"})
		assert.Error(t, err)
		return nil
	}))
}

func TestNowAndNewIDFollowTransaction(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	l := NewLocal(WithClock(func() time.Time { return fixed }))

	var first, second string
	_, err := l.Submit(func(stub Stub) error {
		now, err := Now(stub)
		require.NoError(t, err)
		assert.Equal(t, fixed.Unix(), now)
		first = NewID(stub, "listing")
		assert.Equal(t, first, NewID(stub, "listing"))
		second = NewID(stub, "rental")
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSubmitSerializesWriters(t *testing.T) {
	l := NewLocal()
	const workers = 32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Submit(func(stub Stub) error {
				var r record
				if _, err := GetJSON(stub, "counter", &r); err != nil {
					return err
				}
				r.Count++
				return PutJSON(stub, "counter", r)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, l.Read(func(stub Stub) error {
		var r record
		_, err := GetJSON(stub, "counter", &r)
		require.NoError(t, err)
		assert.Equal(t, workers, r.Count)
		return nil
	}))
}

func TestRecordsDecodesAndRestarts(t *testing.T) {
	l := NewLocal()
	_, err := l.Submit(func(stub Stub) error {
		for _, name := range []string{"a", "b"} {
			key, err := stub.CreateCompositeKey("REC", []string{name})
			require.NoError(t, err)
			require.NoError(t, PutJSON(stub, key, record{Name: name}))
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.Read(func(stub Stub) error {
		seq := Records[record](Values(stub, "REC"))
		first, err := Collect(seq)
		require.NoError(t, err)
		second, err := Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		require.Len(t, first, 2)
		assert.Equal(t, "a", first[0].Name)
		return nil
	}))
}
