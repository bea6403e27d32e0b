package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/settle/internal/domain"
	"github.com/vadiminshakov/settle/internal/metrics"
	"github.com/vadiminshakov/settle/internal/services/ledger"
	"github.com/vadiminshakov/settle/internal/services/quotecache"
	"github.com/vadiminshakov/settle/internal/services/transfers"
	"github.com/vadiminshakov/settle/internal/storage/outcomes"
)

type quotesMock struct {
	mock.Mock
}

func (m *quotesMock) Quote(ctx context.Context, base, target string, amount decimal.Decimal) (quotecache.Result, error) {
	args := m.Called(base, target, amount.String())
	return args.Get(0).(quotecache.Result), args.Error(1)
}

type transfersMock struct {
	mock.Mock
}

func (m *transfersMock) Submit(ctx context.Context, req domain.TransferRequest, onUpdate transfers.UpdateFunc) (domain.TransferReference, error) {
	args := m.Called(req.Amount.String(), req.Currency, req.MethodID)
	return args.Get(0).(domain.TransferReference), args.Error(1)
}

func (m *transfersMock) Get(referenceID string) (domain.ReconciliationState, error) {
	args := m.Called(referenceID)
	return args.Get(0).(domain.ReconciliationState), args.Error(1)
}

func (m *transfersMock) Refresh(ctx context.Context, referenceID string) (domain.ReconciliationState, domain.CanonicalStatus, error) {
	args := m.Called(referenceID)
	return args.Get(0).(domain.ReconciliationState), args.Get(1).(domain.CanonicalStatus), args.Error(2)
}

func (m *transfersMock) Cancel(referenceID string) (domain.ReconciliationState, error) {
	args := m.Called(referenceID)
	return args.Get(0).(domain.ReconciliationState), args.Error(1)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestServer_Quote(t *testing.T) {
	q, err := domain.NewQuote("EUR", "USD", decimal.RequireFromString("1.07"), decimal.Zero, decimal.NewFromInt(100), "test", time.Now())
	require.NoError(t, err)

	quotes := &quotesMock{}
	quotes.On("Quote", "EUR", "USD", "100").Return(quotecache.Result{Quote: q, Cached: true}, nil).Once()
	quotes.On("Quote", "EUR", "JPY", "100").Return(quotecache.Result{Quote: q, Stale: true}, errors.New("upstream down")).Once()
	quotes.On("Quote", "EUR", "XXX", "100").
		Return(quotecache.Result{}, &domain.QuoteError{Reason: domain.QuoteReasonRateUnavailable, Err: errors.New("no XXX")}).Once()

	h := NewServer(":0", quotes, &transfersMock{}).Handler()

	rec := do(t, h, http.MethodPost, "/quotes", `{"base":"EUR","target":"USD","amount":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp quoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "107", resp.Quote.TargetAmount.String())

	rec = do(t, h, http.MethodPost, "/quotes", `{"base":"EUR","target":"JPY","amount":100}`)
	require.Equal(t, http.StatusOK, rec.Code, "stale quote is still served")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Stale)
	assert.Contains(t, resp.Warning, "upstream down")

	rec = do(t, h, http.MethodPost, "/quotes", `{"base":"EUR","target":"XXX","amount":"100"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "rate-unavailable", errResp.Reason)

	rec = do(t, h, http.MethodPost, "/quotes", `{"base":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	quotes.AssertExpectations(t)
}

func TestServer_Transfers(t *testing.T) {
	svc := &transfersMock{}
	svc.On("Submit", "25", "USD", "bank-1").Return(domain.TransferReference{ReferenceID: "REF-1"}, nil).Once()
	svc.On("Submit", "30", "USD", "bank-1").
		Return(domain.TransferReference{ReferenceID: "REF-ABC", Degraded: true}, &domain.SubmissionError{Err: errors.New("timeout")}).Once()
	svc.On("Submit", "0", "USD", "bank-1").Return(domain.TransferReference{}, errors.New("amount must be positive")).Once()
	svc.On("Get", "REF-1").Return(domain.ReconciliationState{ReferenceID: "REF-1", Phase: domain.PhasePolling}, nil).Once()
	svc.On("Get", "REF-404").Return(domain.ReconciliationState{}, errors.Wrap(transfers.ErrNotFound, "reference REF-404")).Once()
	svc.On("Cancel", "REF-1").Return(domain.ReconciliationState{ReferenceID: "REF-1", TornDown: true}, nil).Once()

	h := NewServer(":0", &quotesMock{}, svc).Handler()

	rec := do(t, h, http.MethodPost, "/transfers", `{"amount":"25","currency":"USD","methodOrBankId":"bank-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp transferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "REF-1", resp.Reference.ReferenceID)
	assert.Empty(t, resp.Warning)

	rec = do(t, h, http.MethodPost, "/transfers", `{"amount":"30","currency":"USD","methodOrBankId":"bank-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, "degraded submission keeps polling")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Reference.Degraded)
	assert.NotEmpty(t, resp.Warning)

	rec = do(t, h, http.MethodPost, "/transfers", `{"amount":"0","currency":"USD","methodOrBankId":"bank-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/transfers/REF-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.ReconciliationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.PhasePolling, state.Phase)

	rec = do(t, h, http.MethodGet, "/transfers/REF-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/transfers/REF-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.TornDown)

	svc.AssertExpectations(t)
}

func TestServer_RefreshTransfer(t *testing.T) {
	svc := &transfersMock{}
	svc.On("Refresh", "REF-1").
		Return(domain.ReconciliationState{ReferenceID: "REF-1", Phase: domain.PhasePolling}, domain.StatusSuccessful, nil).Once()
	svc.On("Refresh", "REF-2").
		Return(domain.ReconciliationState{ReferenceID: "REF-2"}, domain.CanonicalStatus(""), &domain.NetworkError{Op: "transfer status", Err: errors.New("timeout")}).Once()
	svc.On("Refresh", "REF-404").
		Return(domain.ReconciliationState{}, domain.CanonicalStatus(""), errors.Wrap(transfers.ErrNotFound, "reference REF-404")).Once()

	h := NewServer(":0", &quotesMock{}, svc).Handler()

	rec := do(t, h, http.MethodGet, "/transfers/REF-1?refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp refreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "REF-1", resp.ReferenceID)
	assert.Equal(t, domain.PhasePolling, resp.Phase)
	assert.Equal(t, domain.StatusSuccessful, resp.Current)

	rec = do(t, h, http.MethodGet, "/transfers/REF-2?refresh=true", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodGet, "/transfers/REF-404?refresh=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.AssertExpectations(t)
}

func TestServer_BalancesHealthAndMetrics(t *testing.T) {
	lg := ledger.New(nil)
	_, err := lg.Credit(domain.TransferReference{ReferenceID: "REF-1", Amount: decimal.NewFromInt(40), Currency: "usd"}, "tx-1")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.New(reg).PollTick("pending")

	h := NewServer(":0", &quotesMock{}, &transfersMock{},
		WithBalances(lg),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	).Handler()

	rec := do(t, h, http.MethodGet, "/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var balances map[string]decimal.Decimal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	assert.True(t, decimal.NewFromInt(40).Equal(balances["USD"]))

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `settle_poll_ticks_total{result="pending"} 1`)
}

func TestServer_OutcomeStream(t *testing.T) {
	store, err := outcomes.NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(domain.TransferOutcome{
		ReferenceID:   "REF-1",
		Status:        domain.StatusSuccessful,
		TransactionID: "tx-1",
		Amount:        decimal.NewFromInt(10),
		Currency:      "USD",
		FinalizedAt:   time.Now(),
	}))

	srv := httptest.NewServer(NewServer(":0", &quotesMock{}, &transfersMock{},
		WithOutcomes(store),
		WithPollInterval(10*time.Millisecond),
	).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/outcomes/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readOutcome := func() domain.TransferOutcome {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if payload, ok := strings.CutPrefix(line, "data: "); ok {
				var outcome domain.TransferOutcome
				require.NoError(t, json.Unmarshal([]byte(payload), &outcome))
				return outcome
			}
		}
	}

	first := readOutcome()
	assert.Equal(t, "REF-1", first.ReferenceID)

	// outcomes journaled after the client connected are pushed on the next poll
	require.NoError(t, store.Save(domain.TransferOutcome{
		ReferenceID: "REF-2",
		Status:      domain.StatusFailed,
		Amount:      decimal.NewFromInt(5),
		Currency:    "USD",
		FinalizedAt: time.Now(),
	}))

	second := readOutcome()
	assert.Equal(t, "REF-2", second.ReferenceID)
	assert.Equal(t, domain.StatusFailed, second.Status)
}

func TestServer_OutcomeStreamUnavailable(t *testing.T) {
	h := NewServer(":0", &quotesMock{}, &transfersMock{}).Handler()

	rec := do(t, h, http.MethodGet, "/outcomes/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
