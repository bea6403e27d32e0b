package ledger

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
	"go.uber.org/zap"
)

// ErrAlreadyCredited is returned when a transfer is credited twice.
var ErrAlreadyCredited = errors.New("transfer already credited")

// Ledger keeps per-currency balances in memory. Each transfer reference is credited at most once.
type Ledger struct {
	l *zap.Logger

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	credited map[string]string
}

// New creates an empty ledger.
func New(l *zap.Logger) *Ledger {
	if l == nil {
		l = zap.NewNop()
	}

	return &Ledger{
		l:        l,
		balances: make(map[string]decimal.Decimal),
		credited: make(map[string]string),
	}
}

// Credit adds the transfer amount to its currency balance and returns the new balance.
func (lg *Ledger) Credit(ref domain.TransferReference, transactionID string) (decimal.Decimal, error) {
	if ref.ReferenceID == "" {
		return decimal.Zero, errors.New("reference id is required")
	}
	if !ref.Amount.IsPositive() {
		return decimal.Zero, errors.Errorf("credit amount must be positive, got %s", ref.Amount)
	}

	currency := strings.ToUpper(ref.Currency)

	lg.mu.Lock()
	defer lg.mu.Unlock()

	if prev, ok := lg.credited[ref.ReferenceID]; ok {
		return lg.balances[currency], errors.Wrapf(ErrAlreadyCredited, "reference %s (transaction %s)", ref.ReferenceID, prev)
	}

	balance := lg.balances[currency].Add(ref.Amount)
	lg.balances[currency] = balance
	lg.credited[ref.ReferenceID] = transactionID

	lg.l.Info("balance credited",
		zap.String("reference_id", ref.ReferenceID),
		zap.String("transaction_id", transactionID),
		zap.String("amount", ref.Amount.String()),
		zap.String("currency", currency),
		zap.String("balance", balance.String()))

	return balance, nil
}

// Balance returns the balance for a currency.
func (lg *Ledger) Balance(currency string) decimal.Decimal {
	lg.mu.RLock()
	defer lg.mu.RUnlock()

	return lg.balances[strings.ToUpper(currency)]
}

// Balances returns a copy of all balances.
func (lg *Ledger) Balances() map[string]decimal.Decimal {
	lg.mu.RLock()
	defer lg.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(lg.balances))
	for k, v := range lg.balances {
		out[k] = v
	}

	return out
}

// Credited reports whether the reference has been credited.
func (lg *Ledger) Credited(referenceID string) bool {
	lg.mu.RLock()
	defer lg.mu.RUnlock()

	_, ok := lg.credited[referenceID]

	return ok
}
