// Package payload defines the closed set of typed command and event payloads
// carried through the event log. Raw JSON from the outside world is decoded
// and validated here before anything downstream sees it.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventType enumerates every event the engine can append to the log.
type EventType string

const (
	EventFundsDeposited  EventType = "funds.deposited"
	EventFundsWithdrawn  EventType = "funds.withdrawn"
	EventAccountDebited  EventType = "account.debited"
	EventAccountCredited EventType = "account.credited"
)

// CommandType enumerates every command the handler accepts.
type CommandType string

const (
	CmdDeposit  CommandType = "deposit"
	CmdWithdraw CommandType = "withdraw"
	CmdDebit    CommandType = "debit"
	CmdCredit   CommandType = "credit"
)

var ErrUnknownType = errors.New("unknown payload type")

// Event is implemented by every event payload variant.
type Event interface {
	Type() EventType
	Validate() error
}

// FundsDeposited records a completed deposit and the resulting balance.
type FundsDeposited struct {
	AccountID uint64          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
}

func (FundsDeposited) Type() EventType { return EventFundsDeposited }

func (p FundsDeposited) Validate() error {
	return validateAmount(p.AccountID, p.Amount)
}

// FundsWithdrawn records a completed withdrawal and the resulting balance.
type FundsWithdrawn struct {
	AccountID uint64          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
}

func (FundsWithdrawn) Type() EventType { return EventFundsWithdrawn }

func (p FundsWithdrawn) Validate() error {
	return validateAmount(p.AccountID, p.Amount)
}

// AccountDebited is the outgoing leg of a transfer.
type AccountDebited struct {
	AccountID      uint64          `json:"account_id"`
	CounterpartyID uint64          `json:"counterparty_id"`
	TransferID     string          `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Balance        decimal.Decimal `json:"balance"`
}

func (AccountDebited) Type() EventType { return EventAccountDebited }

func (p AccountDebited) Validate() error {
	if p.TransferID == "" {
		return errors.New("transfer_id required")
	}
	if p.AccountID == p.CounterpartyID {
		return errors.New("cannot transfer to self")
	}
	return validateAmount(p.AccountID, p.Amount)
}

// AccountCredited is the incoming leg of a transfer.
type AccountCredited struct {
	AccountID      uint64          `json:"account_id"`
	CounterpartyID uint64          `json:"counterparty_id"`
	TransferID     string          `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Balance        decimal.Decimal `json:"balance"`
}

func (AccountCredited) Type() EventType { return EventAccountCredited }

func (p AccountCredited) Validate() error {
	if p.TransferID == "" {
		return errors.New("transfer_id required")
	}
	if p.AccountID == p.CounterpartyID {
		return errors.New("cannot transfer to self")
	}
	return validateAmount(p.AccountID, p.Amount)
}

func validateAmount(accountID uint64, amt decimal.Decimal) error {
	if accountID == 0 {
		return errors.New("account_id required")
	}
	if amt.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	return nil
}

// Encode marshals a validated payload for the event log.
func Encode(p Event) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEvent parses raw jsonb into the variant matching t and validates it.
func DecodeEvent(t EventType, raw []byte) (Event, error) {
	var p Event
	switch t {
	case EventFundsDeposited:
		p = &FundsDeposited{}
	case EventFundsWithdrawn:
		p = &FundsWithdrawn{}
	case EventAccountDebited:
		p = &AccountDebited{}
	case EventAccountCredited:
		p = &AccountCredited{}
	default:
		return nil, fmt.Errorf("%w: event %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return deref(p), nil
}

func deref(p Event) Event {
	switch v := p.(type) {
	case *FundsDeposited:
		return *v
	case *FundsWithdrawn:
		return *v
	case *AccountDebited:
		return *v
	case *AccountCredited:
		return *v
	}
	return p
}

// Command is implemented by every command payload variant.
type Command interface {
	Type() CommandType
	Validate() error
	// EventType names the event a successful execution emits.
	EventType() EventType
}

// DepositFunds asks the handler to add amount to an account.
type DepositFunds struct {
	AccountID uint64          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (DepositFunds) Type() CommandType    { return CmdDeposit }
func (DepositFunds) EventType() EventType { return EventFundsDeposited }

func (p DepositFunds) Validate() error { return validateAmount(p.AccountID, p.Amount) }

// WithdrawFunds asks the handler to subtract amount from an account.
type WithdrawFunds struct {
	AccountID uint64          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (WithdrawFunds) Type() CommandType    { return CmdWithdraw }
func (WithdrawFunds) EventType() EventType { return EventFundsWithdrawn }

func (p WithdrawFunds) Validate() error { return validateAmount(p.AccountID, p.Amount) }

// DebitAccount is the forward action of a transfer's debit step.
type DebitAccount struct {
	AccountID      uint64          `json:"account_id"`
	CounterpartyID uint64          `json:"counterparty_id"`
	TransferID     string          `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
}

func (DebitAccount) Type() CommandType    { return CmdDebit }
func (DebitAccount) EventType() EventType { return EventAccountDebited }

func (p DebitAccount) Validate() error {
	if p.TransferID == "" {
		return errors.New("transfer_id required")
	}
	return validateAmount(p.AccountID, p.Amount)
}

// CreditAccount is the forward action of a transfer's credit step.
type CreditAccount struct {
	AccountID      uint64          `json:"account_id"`
	CounterpartyID uint64          `json:"counterparty_id"`
	TransferID     string          `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
}

func (CreditAccount) Type() CommandType    { return CmdCredit }
func (CreditAccount) EventType() EventType { return EventAccountCredited }

func (p CreditAccount) Validate() error {
	if p.TransferID == "" {
		return errors.New("transfer_id required")
	}
	return validateAmount(p.AccountID, p.Amount)
}

// EncodeCommand marshals a validated command payload.
func EncodeCommand(p Command) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeCommand parses raw jsonb into the variant matching t and validates it.
func DecodeCommand(t CommandType, raw []byte) (Command, error) {
	var p Command
	switch t {
	case CmdDeposit:
		p = &DepositFunds{}
	case CmdWithdraw:
		p = &WithdrawFunds{}
	case CmdDebit:
		p = &DebitAccount{}
	case CmdCredit:
		p = &CreditAccount{}
	default:
		return nil, fmt.Errorf("%w: command %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	switch v := p.(type) {
	case *DepositFunds:
		return *v, nil
	case *WithdrawFunds:
		return *v, nil
	case *DebitAccount:
		return *v, nil
	case *CreditAccount:
		return *v, nil
	}
	return p, nil
}
