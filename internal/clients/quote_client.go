package clients

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
)

const defaultQuoteURL = "https://api.frankfurter.app"

// QuoteClient fetches FX rates from a latest-rates endpoint.
type QuoteClient struct {
	base
	source string
	now    func() time.Time
}

type latestRatesResponse struct {
	Base           string                     `json:"base"`
	Rates          map[string]decimal.Decimal `json:"rates"`
	EffectiveRates map[string]decimal.Decimal `json:"effectiveRates"`
}

// NewQuoteClient creates a quote client. source is recorded on every quote it returns.
func NewQuoteClient(source string, opts ...Option) *QuoteClient {
	if source == "" {
		source = "frankfurter"
	}

	return &QuoteClient{
		base:   newBase(defaultQuoteURL, opts),
		source: source,
		now:    time.Now,
	}
}

// FetchQuote requests a single rate and converts amount with it.
// Every failure is a *domain.QuoteError.
func (c *QuoteClient) FetchQuote(ctx context.Context, base, target string, amount decimal.Decimal) (domain.Quote, error) {
	base, target = strings.ToUpper(base), strings.ToUpper(target)

	query := url.Values{}
	query.Set("base", base)
	query.Set("symbols", target)

	req, err := c.newRequest(ctx, http.MethodGet, "/latest?"+query.Encode(), nil)
	if err != nil {
		return domain.Quote{}, &domain.QuoteError{Reason: domain.QuoteReasonNetwork, Err: err}
	}

	resp, err := c.do(req, "fetch quote")
	if err != nil {
		return domain.Quote{}, &domain.QuoteError{Reason: domain.QuoteReasonNetwork, Err: err}
	}

	if !resp.ok() {
		return domain.Quote{}, &domain.QuoteError{
			Reason: domain.QuoteReasonNetwork,
			Err: &domain.ProtocolError{
				Endpoint:   "latest",
				StatusCode: resp.statusCode,
				Err:        errors.New(describeFailure(resp)),
			},
		}
	}

	var payload latestRatesResponse
	if err := decodeJSON("latest", resp, &payload); err != nil {
		return domain.Quote{}, &domain.QuoteError{Reason: domain.QuoteReasonInvalidResponse, Err: err}
	}

	rate, ok := payload.Rates[target]
	if !ok {
		return domain.Quote{}, &domain.QuoteError{
			Reason: domain.QuoteReasonRateUnavailable,
			Err:    errors.Errorf("no %s rate for base %s", target, base),
		}
	}

	q, err := domain.NewQuote(base, target, rate, payload.EffectiveRates[target], amount, c.source, c.now())
	if err != nil {
		return domain.Quote{}, &domain.QuoteError{Reason: domain.QuoteReasonInvalidResponse, Err: err}
	}

	return q, nil
}
