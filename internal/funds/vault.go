// Package funds is the ledger's balance book. It is the funds-transfer
// primitive of the platform: money enters escrow custody with TransferIn,
// leaves it with TransferOut, and subscription revenue accrues in the
// treasury. Every movement runs inside the caller's transaction, so a
// failed transfer rolls back with everything else.
package funds

import (
	"fmt"
	"math"

	"github.com/smartrent/chaincode/internal/access"
	"github.com/smartrent/chaincode/internal/ledger"
	"github.com/smartrent/chaincode/internal/rentalerr"
)

// KeyPrefixBalance is the prefix for account balances: BALANCE~{account}
const KeyPrefixBalance = "BALANCE"

// System accounts.
const (
	EscrowAccount   = access.SystemAccountPrefix + "escrow"
	TreasuryAccount = access.SystemAccountPrefix + "treasury"
)

// Account is a stored balance in minor units.
type Account struct {
	DocType   string `json:"docType"`
	Account   string `json:"account"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updatedAt"`
	TxID      string `json:"txId"`
}

// TransferEvent records a balance movement.
type TransferEvent struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	TxID   string `json:"txId"`
}

// Vault moves balances between accounts.
type Vault struct{}

// NewVault returns the balance book.
func NewVault() *Vault { return &Vault{} }

// Balance returns the balance of account; unknown accounts hold zero.
func (v *Vault) Balance(stub ledger.Stub, account string) (int64, error) {
	acct, err := v.load(stub, account)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Mint credits amount to account out of thin air. Callers gate it.
func (v *Vault) Mint(stub ledger.Stub, account string, amount int64) error {
	if amount <= 0 {
		return rentalerr.New(rentalerr.KindInvalidInput, "mint amount must be positive, got %d", amount)
	}
	if err := access.ValidateIdentity(account); err != nil {
		return err
	}
	if err := v.credit(stub, account, amount); err != nil {
		return err
	}
	return ledger.EmitEvent(stub, "FUNDS_MINTED", TransferEvent{
		Type:   "FUNDS_MINTED",
		To:     account,
		Amount: amount,
		TxID:   stub.GetTxID(),
	})
}

// Transfer moves amount from one account to another. It fails with
// TRANSFER_FAILED when the payer cannot cover it. Zero is a no-op.
func (v *Vault) Transfer(stub ledger.Stub, from, to string, amount int64) error {
	if amount < 0 {
		return rentalerr.New(rentalerr.KindInvalidInput, "transfer amount cannot be negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return rentalerr.New(rentalerr.KindTransferFailed, "cannot transfer from %s to itself", from)
	}

	payer, err := v.load(stub, from)
	if err != nil {
		return err
	}
	if payer.Balance < amount {
		return rentalerr.New(rentalerr.KindTransferFailed, "account %s holds %d, needs %d", from, payer.Balance, amount)
	}
	if err := v.store(stub, payer, payer.Balance-amount); err != nil {
		return err
	}
	if err := v.credit(stub, to, amount); err != nil {
		return err
	}
	return ledger.EmitEvent(stub, "FUNDS_TRANSFERRED", TransferEvent{
		Type:   "FUNDS_TRANSFERRED",
		From:   from,
		To:     to,
		Amount: amount,
		TxID:   stub.GetTxID(),
	})
}

// TransferIn moves amount from a party into escrow custody.
func (v *Vault) TransferIn(stub ledger.Stub, from string, amount int64) error {
	return v.Transfer(stub, from, EscrowAccount, amount)
}

// TransferOut releases amount from escrow custody to a party.
func (v *Vault) TransferOut(stub ledger.Stub, to string, amount int64) error {
	return v.Transfer(stub, EscrowAccount, to, amount)
}

// CollectFee moves amount from a payer into the treasury.
func (v *Vault) CollectFee(stub ledger.Stub, from string, amount int64) error {
	return v.Transfer(stub, from, TreasuryAccount, amount)
}

// WithdrawFees pays amount out of the treasury.
func (v *Vault) WithdrawFees(stub ledger.Stub, to string, amount int64) error {
	if amount <= 0 {
		return rentalerr.New(rentalerr.KindInvalidInput, "withdrawal amount must be positive, got %d", amount)
	}
	if err := access.ValidateIdentity(to); err != nil {
		return err
	}
	return v.Transfer(stub, TreasuryAccount, to, amount)
}

func (v *Vault) credit(stub ledger.Stub, account string, amount int64) error {
	acct, err := v.load(stub, account)
	if err != nil {
		return err
	}
	if acct.Balance > math.MaxInt64-amount {
		return rentalerr.New(rentalerr.KindTransferFailed, "balance of %s would overflow", account)
	}
	return v.store(stub, acct, acct.Balance+amount)
}

func (v *Vault) load(stub ledger.Stub, account string) (*Account, error) {
	key, err := stub.CreateCompositeKey(KeyPrefixBalance, []string{account})
	if err != nil {
		return nil, fmt.Errorf("failed to create balance key: %w", err)
	}
	acct := &Account{DocType: "account", Account: account}
	if _, err := ledger.GetJSON(stub, key, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (v *Vault) store(stub ledger.Stub, acct *Account, balance int64) error {
	now, err := ledger.Now(stub)
	if err != nil {
		return err
	}
	key, err := stub.CreateCompositeKey(KeyPrefixBalance, []string{acct.Account})
	if err != nil {
		return fmt.Errorf("failed to create balance key: %w", err)
	}
	acct.Balance = balance
	acct.UpdatedAt = now
	acct.TxID = stub.GetTxID()
	return ledger.PutJSON(stub, key, acct)
}
