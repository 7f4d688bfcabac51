package indexer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settlement/internal/indexer"
)

func TestClient_GetTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tx/0xabc", r.URL.Path)
		w.Write([]byte(`{"tx_id":"0xabc","tx_status":"success","block_height":42,"block_hash":"0xdef"}`))
	}))
	defer srv.Close()

	tx, err := indexer.NewClient(srv.URL+"/", time.Second, zap.NewNop()).GetTransaction(context.Background(), "0xabc")

	require.NoError(t, err)
	require.True(t, tx.TxStatus.IsSuccess())
	require.Equal(t, int64(42), tx.BlockHeight)
	require.Equal(t, "0xdef", tx.BlockHash)
}

func TestClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := indexer.NewClient(srv.URL, time.Second, zap.NewNop()).GetTransaction(context.Background(), "0xabc")

	require.ErrorIs(t, err, indexer.ErrTxNotFound)
}

func TestClient_ServerErrorIsNotNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := indexer.NewClient(srv.URL, time.Second, zap.NewNop()).GetTransaction(context.Background(), "0xabc")

	require.Error(t, err)
	require.NotErrorIs(t, err, indexer.ErrTxNotFound)
}

func TestClient_LookupTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := indexer.NewClient(srv.URL, 30*time.Millisecond, zap.NewNop()).GetTransaction(context.Background(), "0xabc")

	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestTxStatus(t *testing.T) {
	require.True(t, indexer.TxStatusAbortByResponse.IsRejected())
	require.True(t, indexer.TxStatusAbortByPostCondition.IsRejected())
	require.False(t, indexer.TxStatusPending.IsRejected())
	require.False(t, indexer.TxStatusPending.IsSuccess())
}

func TestClient_ListAddressTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/address/SP123.pay/transactions", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"results":[{"tx_id":"0x1","tx_status":"pending","contract_call":{"contract_id":"SP123.pay","function_name":"pay"}}]}`))
	}))
	defer srv.Close()

	txs, err := indexer.NewClient(srv.URL, time.Second, zap.NewNop()).ListAddressTransactions(context.Background(), "SP123.pay", 5)

	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "pay", txs[0].ContractCall.FunctionName)
}
