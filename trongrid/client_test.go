package trongrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress  = "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"
	testContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	testTxHash   = "6f1c4e3a0b8d9f25aa17c6f0e9d2b3a4c5e6f7081920a1b2c3d4e5f60718293a"
	testTxHash2  = "a3928170f6e5d4c3b2a12091807f6e5c4a3b2d9e0f6c71aa259f8d0b0a3e4c1f"
)

type testGrid struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    map[string]int
	seenKeys []string
}

func (g *testGrid) callCount(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[path]
}

func newTestServer(t *testing.T, headBlock int64) *testGrid {
	t.Helper()
	g := &testGrid{calls: make(map[string]int)}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.calls[r.URL.Path]++
		g.seenKeys = append(g.seenKeys, r.Header.Get("TRON-PRO-API-KEY"))
		g.mu.Unlock()
		switch r.URL.Path {
		case "/v1/accounts/" + testAddress + "/transactions/trc20":
			w.Write([]byte(`{
				"success": true,
				"data": [{
					"transaction_id": "` + testTxHash + `",
					"block_timestamp": 1700000000000,
					"from": "TFrom111111111111111111111111111111",
					"to": "` + testAddress + `",
					"value": "10000000",
					"token_info": {"address": "` + testContract + `", "decimals": 6}
				}, {
					"transaction_id": "` + testTxHash2 + `",
					"block_timestamp": 1700000060000,
					"from": "TFrom222222222222222222222222222222",
					"to": "` + testAddress + `",
					"value": "2500000",
					"token_info": {"address": "` + testContract + `", "decimals": 6}
				}]
			}`))
		case "/wallet/gettransactioninfobyid":
			require.Equal(t, http.MethodPost, r.Method)
			var body struct {
				Value string `json:"value"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			block := int64(100)
			if body.Value == testTxHash2 {
				block = 101
			}
			w.Write([]byte(`{"id": "` + body.Value + `", "blockNumber": ` + strconv.FormatInt(block, 10) + `}`))
		case "/wallet/getnowblock":
			require.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"block_header": {"raw_data": {"number": ` + strconv.FormatInt(headBlock, 10) + `}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func TestListTRC20Transfers(t *testing.T) {
	grid := newTestServer(t, 102)
	client := NewClient(grid.srv.URL, "test-key")

	transfers := client.ListTRC20Transfers(context.Background(), testAddress, testContract, 50)
	require.Len(t, transfers, 2)

	tr := transfers[0]
	assert.Equal(t, testTxHash, tr.TxHash)
	assert.Equal(t, testAddress, tr.To)
	assert.Equal(t, testContract, tr.Contract)
	assert.Equal(t, uint64(10000000), tr.RawAmount)
	assert.Equal(t, "10", tr.Amount().String())
	require.NotNil(t, tr.BlockNumber)
	assert.Equal(t, int64(100), *tr.BlockNumber)
	assert.Equal(t, 3, tr.Confirmations) // head 102, block 100

	tr = transfers[1]
	assert.Equal(t, "2.5", tr.Amount().String())
	require.NotNil(t, tr.BlockNumber)
	assert.Equal(t, int64(101), *tr.BlockNumber)
	assert.Equal(t, 2, tr.Confirmations)

	for _, k := range grid.seenKeys {
		assert.Equal(t, "test-key", k)
	}
}

// The head block is fetched once per listing, not once per transfer.
func TestListTRC20TransfersFetchesHeadOnce(t *testing.T) {
	grid := newTestServer(t, 102)
	client := NewClient(grid.srv.URL, "")

	transfers := client.ListTRC20Transfers(context.Background(), testAddress, testContract, 50)
	require.Len(t, transfers, 2)
	assert.Equal(t, 1, grid.callCount("/wallet/getnowblock"))
	assert.Equal(t, 2, grid.callCount("/wallet/gettransactioninfobyid"))
}

func TestListTRC20TransfersUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	assert.Empty(t, client.ListTRC20Transfers(context.Background(), testAddress, testContract, 50))
	assert.Nil(t, client.GetTransaction(context.Background(), testTxHash))
}

func TestListTRC20TransfersRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "data": []}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	assert.Empty(t, client.ListTRC20Transfers(context.Background(), testAddress, testContract, 50))
}

func TestGetTransaction(t *testing.T) {
	grid := newTestServer(t, 105)
	client := NewClient(grid.srv.URL, "")

	detail := client.GetTransaction(context.Background(), testTxHash)
	require.NotNil(t, detail)
	assert.Equal(t, int64(100), detail.BlockNumber)
	assert.Equal(t, 6, detail.Confirmations)
}

// Transactions the node has not indexed yet carry no block number.
func TestGetTransactionUnindexed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	assert.Nil(t, client.GetTransaction(context.Background(), testTxHash))
}
