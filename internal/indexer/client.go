package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrTxNotFound = errors.New("transaction not found")

type TxStatus string

const (
	TxStatusSuccess              TxStatus = "success"
	TxStatusPending              TxStatus = "pending"
	TxStatusAbortByResponse      TxStatus = "abort_by_response"
	TxStatusAbortByPostCondition TxStatus = "abort_by_post_condition"
)

func (s TxStatus) IsSuccess() bool {
	return s == TxStatusSuccess
}

// IsRejected reports a definitive on-chain rejection.
func (s TxStatus) IsRejected() bool {
	return s == TxStatusAbortByResponse || s == TxStatusAbortByPostCondition
}

type ContractCall struct {
	ContractID   string `json:"contract_id"`
	FunctionName string `json:"function_name"`
}

type Transaction struct {
	TxID          string        `json:"tx_id"`
	TxStatus      TxStatus      `json:"tx_status"`
	TxType        string        `json:"tx_type"`
	BlockHeight   int64         `json:"block_height"`
	BlockHash     string        `json:"block_hash"`
	SenderAddress string        `json:"sender_address"`
	ContractCall  *ContractCall `json:"contract_call,omitempty"`
	ReceiptTime   int64         `json:"receipt_time"`
}

// ReceivedAt converts the indexer's unix receipt time.
func (t Transaction) ReceivedAt() time.Time {
	if t.ReceiptTime == 0 {
		return time.Time{}
	}
	return time.Unix(t.ReceiptTime, 0).UTC()
}

// Client talks to one indexer deployment (one network). Every call carries
// its own bounded timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger,
	}
}

// GetTransaction returns ErrTxNotFound while the indexer has not seen txID.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	var tx Transaction
	if err := c.get(ctx, "/tx/"+url.PathEscape(txID), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListAddressTransactions returns the most recent transactions touching principal, newest first.
func (c *Client) ListAddressTransactions(ctx context.Context, principal string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	var page struct {
		Results []Transaction `json:"results"`
	}
	path := "/address/" + url.PathEscape(principal) + "/transactions?limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build indexer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return ErrTxNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("indexer returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode indexer response: %w", err)
	}
	return nil
}
