package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gosubs/pkg/billing"
	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// verifyReceipt status codes. Any other non-zero status is a definitive rejection.
const (
	statusOK                  = 0
	statusServerUnavailable   = 21005
	statusSandboxReceipt      = 21007
	statusProductionReceipt   = 21008
	statusInternalDataAccess  = 21009
	statusInternalErrorsStart = 21100
	statusInternalErrorsEnd   = 21199
)

const (
	verifyReceiptEndpoint     = "/verifyReceipt"
	maxVerifyReceiptBodyBytes = 8 << 20
)

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status            int               `json:"status"`
	Environment       string            `json:"environment"`
	IsRetryable       bool              `json:"is-retryable"`
	LatestReceiptInfo []receiptInAppRow `json:"latest_receipt_info"`
}

// receiptInAppRow carries the millisecond timestamps as strings, as verifyReceipt sends them.
type receiptInAppRow struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

// ValidateReceipt implements gosubs.Provider against the verifyReceipt endpoint of env.
// Receipts from the other environment fail with gosubs.ErrWrongEnvironment so the validator
// can retry once against the sandbox.
func (p *Provider) ValidateReceipt(ctx context.Context, receipt string, env gosubs.Environment) (*gosubs.ReceiptResult, error) {
	if receipt == "" {
		return nil, gosubs.Definitive(fmt.Errorf("empty receipt"))
	}

	url := p.verifyURL
	if env == gosubs.EnvironmentSandbox {
		url = p.sandboxVerifyURL
	}

	resp, err := p.postVerify(ctx, url, receipt)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.Status == statusOK:
	case resp.Status == statusSandboxReceipt, resp.Status == statusProductionReceipt:
		return nil, fmt.Errorf("%w: verifyReceipt status %d", gosubs.ErrWrongEnvironment, resp.Status)
	case resp.IsRetryable, resp.Status == statusServerUnavailable, resp.Status == statusInternalDataAccess,
		resp.Status >= statusInternalErrorsStart && resp.Status <= statusInternalErrorsEnd:
		return nil, gosubs.Transient(fmt.Errorf("verifyReceipt status %d", resp.Status))
	default:
		return nil, gosubs.Definitive(fmt.Errorf("verifyReceipt status %d", resp.Status))
	}

	products := make([]gosubs.Product, 0, len(resp.LatestReceiptInfo))
	for _, row := range resp.LatestReceiptInfo {
		if row.ExpiresDateMS == "" || row.CancellationDateMS != "" {
			continue
		}
		products = append(products, gosubs.Product{
			ProductID:             row.ProductID,
			TransactionID:         row.TransactionID,
			OriginalTransactionID: row.OriginalTransactionID,
			PurchaseAt:            parseMillis(row.PurchaseDateMS),
			ExpiresAt:             parseMillis(row.ExpiresDateMS),
		})
	}
	if len(products) == 0 {
		return nil, gosubs.Definitive(fmt.Errorf("receipt holds no subscription purchases"))
	}

	return &gosubs.ReceiptResult{
		Provider:    gosubs.ProviderMobileIAP,
		Environment: env,
		Products:    products,
	}, nil
}

func (p *Provider) postVerify(ctx context.Context, url, receipt string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData:            receipt,
		Password:               p.sharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordAPICall(verifyReceiptEndpoint, start, "error")
		return nil, gosubs.Transient(fmt.Errorf("verifyReceipt request failed: %w", err))
	}
	defer resp.Body.Close()
	p.recordAPICall(verifyReceiptEndpoint, start, strconv.Itoa(resp.StatusCode))

	if err := billing.ClassifyStatus(providerName, verifyReceiptEndpoint, resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyReceiptBodyBytes))
	if err != nil {
		return nil, gosubs.Transient(fmt.Errorf("failed to read verifyReceipt response: %w", err))
	}
	var out verifyResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, gosubs.Transient(fmt.Errorf("failed to parse verifyReceipt response: %w", err))
	}
	return &out, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return millis(ms)
}
