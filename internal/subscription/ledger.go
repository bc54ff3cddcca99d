// Package subscription tracks paid plans. Expiry is evaluated against
// the transaction time whenever a plan is consulted; nothing sweeps
// expired subscriptions.
package subscription

import (
	"fmt"
	"iter"
	"sort"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

const (
	// KeyPrefixSubscription is the prefix for subscription records: SUBSCRIPTION~{subscriber}~{subscriptionId}
	KeyPrefixSubscription = "SUBSCRIPTION"
	// KeyPrefixCurrent points at the subscriber's latest plan: CURRENT_SUBSCRIPTION~{subscriber}
	KeyPrefixCurrent = "CURRENT_SUBSCRIPTION"
)

const (
	EventCreated          = "SUBSCRIPTION_CREATED"
	EventAutoRenewChanged = "SUBSCRIPTION_AUTO_RENEW_CHANGED"
)

// Subscription is one purchased plan period.
type Subscription struct {
	DocType        string `json:"docType"`
	ID             string `json:"id"`
	Subscriber     string `json:"subscriberId"`
	Plan           Plan   `json:"plan"`
	PlanName       string `json:"planName"`
	DurationMonths int    `json:"durationMonths"`
	AutoRenew      bool   `json:"autoRenew"`
	AmountPaid     int64  `json:"amountPaid"`
	StartedAt      int64  `json:"startedAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	Supersedes     string `json:"supersedes,omitempty"`
	TxID           string `json:"txId"`
}

// ActiveAt reports whether the subscription is in force at now.
func (s *Subscription) ActiveAt(now int64) bool {
	return now < s.ExpiresAt
}

// Event is emitted when a subscription is bought or changed.
type Event struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
	Subscriber     string `json:"subscriberId"`
	Plan           string `json:"plan"`
	DurationMonths int    `json:"durationMonths"`
	AutoRenew      bool   `json:"autoRenew"`
	AmountPaid     int64  `json:"amountPaid"`
	ExpiresAt      int64  `json:"expiresAt"`
	TxID           string `json:"txId"`
	Timestamp      int64  `json:"timestamp"`
}

type currentEntry struct {
	SubscriptionID string `json:"subscriptionId"`
}

// FeeCollector takes subscription payments.
type FeeCollector interface {
	CollectFee(stub ledger.Stub, from string, amount int64) error
}

// Ledger records subscriptions and answers plan and feature queries.
type Ledger struct {
	fees FeeCollector
}

// NewLedger returns a subscription ledger paying into fees.
func NewLedger(fees FeeCollector) *Ledger {
	return &Ledger{fees: fees}
}

// Create buys durationMonths of plan for subscriber. amountPaid must
// equal the table price. The new subscription replaces the current one
// immediately; there is no proration.
func (l *Ledger) Create(stub ledger.Stub, subscriber string, plan Plan, durationMonths int, autoRenew bool, amountPaid int64) (*Subscription, error) {
	if err := access.ValidateIdentity(subscriber); err != nil {
		return nil, err
	}
	price, err := CalculatePrice(plan, durationMonths)
	if err != nil {
		return nil, err
	}
	if amountPaid != price {
		return nil, rentalerr.New(rentalerr.KindPriceMismatch, "%s for %d months costs %d, paid %d", plan, durationMonths, price, amountPaid)
	}

	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	previous, err := l.currentID(stub, subscriber)
	if err != nil {
		return nil, err
	}
	if err := l.fees.CollectFee(stub, subscriber, amountPaid); err != nil {
		return nil, err
	}

	s := &Subscription{
		DocType:        "subscription",
		ID:             ledger.NewID(stub, "subscription"),
		Subscriber:     subscriber,
		Plan:           plan,
		PlanName:       plan.String(),
		DurationMonths: durationMonths,
		AutoRenew:      autoRenew,
		AmountPaid:     amountPaid,
		StartedAt:      now,
		ExpiresAt:      now + int64(durationMonths)*MonthSeconds,
		Supersedes:     previous,
		TxID:           stub.GetTxID(),
	}
	if err := l.put(stub, s); err != nil {
		return nil, err
	}
	currentKey, err := stub.CreateCompositeKey(KeyPrefixCurrent, []string{subscriber})
	if err != nil {
		return nil, fmt.Errorf("failed to create current subscription key: %w", err)
	}
	if err := ledger.PutJSON(stub, currentKey, currentEntry{SubscriptionID: s.ID}); err != nil {
		return nil, err
	}
	return s, l.emit(stub, EventCreated, s, now)
}

// SetAutoRenew changes the renewal preference of the subscriber's
// current, unexpired subscription. The flag is informational only.
func (l *Ledger) SetAutoRenew(stub ledger.Stub, subscriber string, autoRenew bool) (*Subscription, error) {
	s, err := l.Current(stub, subscriber)
	if err != nil {
		return nil, err
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return nil, err
	}
	if !s.ActiveAt(now) {
		return nil, rentalerr.New(rentalerr.KindInvalidState, "subscription %s expired at %d", s.ID, s.ExpiresAt)
	}
	if s.AutoRenew == autoRenew {
		return s, nil
	}
	s.AutoRenew = autoRenew
	s.TxID = stub.GetTxID()
	if err := l.put(stub, s); err != nil {
		return nil, err
	}
	return s, l.emit(stub, EventAutoRenewChanged, s, now)
}

// Current returns the subscriber's latest subscription, expired or not.
func (l *Ledger) Current(stub ledger.Stub, subscriber string) (*Subscription, error) {
	id, err := l.currentID(stub, subscriber)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, rentalerr.New(rentalerr.KindNotFound, "%s has no subscription", subscriber)
	}
	key, err := stub.CreateCompositeKey(KeyPrefixSubscription, []string{subscriber, id})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription key: %w", err)
	}
	var s Subscription
	found, err := ledger.GetJSON(stub, key, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("current subscription %s of %s is missing", id, subscriber)
	}
	return &s, nil
}

// ActivePlan returns the plan in force for subscriber at transaction
// time. Subscribers without an unexpired subscription are on Free.
func (l *Ledger) ActivePlan(stub ledger.Stub, subscriber string) (Plan, error) {
	s, err := l.Current(stub, subscriber)
	if rentalerr.KindOf(err) == rentalerr.KindNotFound {
		return PlanFree, nil
	}
	if err != nil {
		return PlanFree, err
	}
	now, err := ledger.Now(stub)
	if err != nil {
		return PlanFree, err
	}
	if !s.ActiveAt(now) {
		return PlanFree, nil
	}
	return s.Plan, nil
}

// HasFeature reports whether user's plan in force includes feature.
// It never writes.
func (l *Ledger) HasFeature(stub ledger.Stub, user string, feature Feature) (bool, error) {
	plan, err := l.ActivePlan(stub, user)
	if err != nil {
		return false, err
	}
	return plan.Features().Includes(feature), nil
}

// History returns every subscription subscriber has bought, oldest first.
func (l *Ledger) History(stub ledger.Stub, subscriber string) ([]Subscription, error) {
	subs, err := ledger.Collect(l.bySubscriber(stub, subscriber))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].StartedAt < subs[j].StartedAt })
	return subs, nil
}

func (l *Ledger) bySubscriber(stub ledger.Stub, subscriber string) iter.Seq2[Subscription, error] {
	return ledger.Records[Subscription](ledger.Values(stub, KeyPrefixSubscription, subscriber))
}

func (l *Ledger) currentID(stub ledger.Stub, subscriber string) (string, error) {
	key, err := stub.CreateCompositeKey(KeyPrefixCurrent, []string{subscriber})
	if err != nil {
		return "", fmt.Errorf("failed to create current subscription key: %w", err)
	}
	var entry currentEntry
	if _, err := ledger.GetJSON(stub, key, &entry); err != nil {
		return "", err
	}
	return entry.SubscriptionID, nil
}

func (l *Ledger) put(stub ledger.Stub, s *Subscription) error {
	key, err := stub.CreateCompositeKey(KeyPrefixSubscription, []string{s.Subscriber, s.ID})
	if err != nil {
		return fmt.Errorf("failed to create subscription key: %w", err)
	}
	return ledger.PutJSON(stub, key, s)
}

func (l *Ledger) emit(stub ledger.Stub, name string, s *Subscription, now int64) error {
	return ledger.EmitEvent(stub, name, Event{
		Type:           name,
		SubscriptionID: s.ID,
		Subscriber:     s.Subscriber,
		Plan:           s.PlanName,
		DurationMonths: s.DurationMonths,
		AutoRenew:      s.AutoRenew,
		AmountPaid:     s.AmountPaid,
		ExpiresAt:      s.ExpiresAt,
		TxID:           s.TxID,
		Timestamp:      now,
	})
}
