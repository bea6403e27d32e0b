package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// amountClasses are upper bounds (exclusive) of the amount buckets used in quote cache keys.
var amountClasses = []struct {
	limit decimal.Decimal
	name  string
}{
	{decimal.NewFromInt(100), "xs"},
	{decimal.NewFromInt(1000), "s"},
	{decimal.NewFromInt(10000), "m"},
	{decimal.NewFromInt(100000), "l"},
}

// Quote is an FX quote for converting Amount of Base into Target.
// Quotes are immutable: a refresh produces a new value.
type Quote struct {
	Base   string `json:"base"`
	Target string `json:"target"`
	// Rate is the raw market rate, always positive.
	Rate decimal.Decimal `json:"rate"`
	// EffectiveRate is the rate after spread and fees. Equals Rate when the provider reports no spread.
	EffectiveRate decimal.Decimal `json:"effectiveRate"`
	Amount        decimal.Decimal `json:"amount"`
	// TargetAmount is Amount*EffectiveRate rounded to two decimals.
	TargetAmount decimal.Decimal `json:"targetAmount"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// NewQuote validates rates and derives the target amount.
// A zero effective rate falls back to the raw rate.
func NewQuote(base, target string, rate, effectiveRate, amount decimal.Decimal, source string, fetchedAt time.Time) (Quote, error) {
	if !rate.IsPositive() {
		return Quote{}, errors.Errorf("rate must be positive, got %s", rate)
	}
	if effectiveRate.IsZero() {
		effectiveRate = rate
	}
	if !effectiveRate.IsPositive() {
		return Quote{}, errors.Errorf("effective rate must be positive, got %s", effectiveRate)
	}
	if amount.IsNegative() {
		return Quote{}, errors.Errorf("amount must not be negative, got %s", amount)
	}

	q := Quote{
		Base:          strings.ToUpper(base),
		Target:        strings.ToUpper(target),
		Rate:          rate,
		EffectiveRate: effectiveRate,
		Source:        source,
		FetchedAt:     fetchedAt,
	}

	return q.WithAmount(amount), nil
}

// WithAmount returns a copy of the quote re-derived for another amount.
func (q Quote) WithAmount(amount decimal.Decimal) Quote {
	q.Amount = amount
	q.TargetAmount = amount.Mul(q.EffectiveRate).Round(2)

	return q
}

// String returns a human-readable string representation.
func (q Quote) String() string {
	return fmt.Sprintf("%s %s -> %s %s @ %s (%s)", q.Amount, q.Base, q.TargetAmount, q.Target, q.EffectiveRate, q.Source)
}

// QuoteKey identifies a quote cache entry.
type QuoteKey struct {
	Base        string
	Target      string
	AmountClass string
}

// NewQuoteKey builds a cache key for the pair and the bucket the amount falls into.
func NewQuoteKey(base, target string, amount decimal.Decimal) QuoteKey {
	return QuoteKey{
		Base:        strings.ToUpper(base),
		Target:      strings.ToUpper(target),
		AmountClass: AmountClass(amount),
	}
}

// String returns the key in BASE_TARGET/class form.
func (k QuoteKey) String() string {
	return fmt.Sprintf("%s_%s/%s", k.Base, k.Target, k.AmountClass)
}

// AmountClass buckets an amount by order of magnitude.
func AmountClass(amount decimal.Decimal) string {
	abs := amount.Abs()
	for _, c := range amountClasses {
		if abs.LessThan(c.limit) {
			return c.name
		}
	}

	return "xl"
}
