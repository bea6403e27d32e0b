package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/settle/internal/domain"
)

const defaultFundingURL = "http://localhost:8090"

// FundingClient talks to the funding provider: submission plus the
// transfer and settlement status legs.
type FundingClient struct {
	base
}

type submitRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	MethodID string          `json:"methodOrBankId"`
}

type submitResponse struct {
	ID          string `json:"id"`
	ReferenceID string `json:"referenceId"`
	Status      string `json:"status"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewFundingClient creates a funding provider client.
func NewFundingClient(opts ...Option) *FundingClient {
	return &FundingClient{base: newBase(defaultFundingURL, opts)}
}

// Submit posts a funding request. Any failure, including a 2xx answer without
// a usable reference id, is returned as *domain.SubmissionError.
func (c *FundingClient) Submit(ctx context.Context, tr domain.TransferRequest) (domain.SubmissionReceipt, error) {
	payload, err := json.Marshal(submitRequest{Amount: tr.Amount, Currency: tr.Currency, MethodID: tr.MethodID})
	if err != nil {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{Err: errors.Wrap(err, "failed to marshal request")}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/transfers", bytes.NewReader(payload))
	if err != nil {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{Err: err}
	}

	resp, err := c.do(req, "submit transfer")
	if err != nil {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{Err: err}
	}

	if !resp.ok() {
		msg := describeFailure(resp)
		return domain.SubmissionReceipt{}, &domain.SubmissionError{
			StatusCode: resp.statusCode,
			Message:    msg,
			Err:        &domain.ProtocolError{Endpoint: "transfers", StatusCode: resp.statusCode, Err: errors.New(msg)},
		}
	}

	if err := requireJSON("transfers", resp); err != nil {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{StatusCode: resp.statusCode, Err: err}
	}

	var body submitResponse
	if err := decodeJSON("transfers", resp, &body); err != nil {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{StatusCode: resp.statusCode, Err: err}
	}

	ref := body.ID
	if ref == "" {
		ref = body.ReferenceID
	}
	if ref == "" {
		return domain.SubmissionReceipt{}, &domain.SubmissionError{
			StatusCode: resp.statusCode,
			Err:        &domain.ProtocolError{Endpoint: "transfers", StatusCode: resp.statusCode, Err: errors.New("response carries no reference id")},
		}
	}

	return domain.SubmissionReceipt{ReferenceID: ref, Status: body.Status}, nil
}

// TransferStatus returns the raw provider status of the transfer leg.
func (c *FundingClient) TransferStatus(ctx context.Context, referenceID string) (string, error) {
	return c.status(ctx, "/transfers/"+url.PathEscape(referenceID), "transfer status")
}

// SettlementStatus returns the raw provider status of the settlement leg.
func (c *FundingClient) SettlementStatus(ctx context.Context, referenceID string) (string, error) {
	return c.status(ctx, "/transfers/"+url.PathEscape(referenceID)+"/settlement", "settlement status")
}

func (c *FundingClient) status(ctx context.Context, path, op string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.do(req, op)
	if err != nil {
		return "", err
	}

	if !resp.ok() {
		return "", &domain.ProtocolError{Endpoint: op, StatusCode: resp.statusCode, Err: errors.New(describeFailure(resp))}
	}

	var body statusResponse
	if err := decodeJSON(op, resp, &body); err != nil {
		return "", err
	}

	return body.Status, nil
}
