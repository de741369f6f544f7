// Package trongrid is a typed client for the TronGrid TRC-20 indexer. It is
// read-only: the gateway never signs or broadcasts transactions.
//
// The monitor tolerates indexer outages by retrying on its next tick, so
// list calls degrade to an empty result and detail calls to nil instead of
// surfacing transport errors.
package trongrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

const (
	apiKeyHeader   = "TRON-PRO-API-KEY"
	requestTimeout = 30 * time.Second

	// USDTDecimals is the base-unit scale of TRC-20 USDT.
	USDTDecimals = 6
)

// Transfer is one observed TRC-20 transfer to a watched address. RawAmount
// is in token base units (1 USDT = 1e6).
type Transfer struct {
	TxHash        string
	From          string
	To            string
	RawAmount     uint64
	Contract      string
	BlockNumber   *int64
	Timestamp     time.Time
	Confirmations int
}

// Amount converts the raw base-unit value to a fixed-point USDT amount.
func (t *Transfer) Amount() decimal.Decimal {
	return decimal.New(int64(t.RawAmount), -USDTDecimals)
}

// TransactionDetail is the confirmation view of a single transaction.
type TransactionDetail struct {
	TxHash        string
	BlockNumber   int64
	Confirmations int
}

// Client talks to one TronGrid deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     log.Logger
}

// NewClient builds a client for the given TronGrid base URL. apiKey may be
// empty; TronGrid then applies its anonymous rate limits.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.New("component", "trongrid"),
	}
}

type trc20Response struct {
	Data []struct {
		TransactionID  string `json:"transaction_id"`
		BlockTimestamp int64  `json:"block_timestamp"`
		From           string `json:"from"`
		To             string `json:"to"`
		Value          string `json:"value"`
		TokenInfo      struct {
			Address  string `json:"address"`
			Decimals int    `json:"decimals"`
		} `json:"token_info"`
	} `json:"data"`
	Success bool `json:"success"`
}

// ListTRC20Transfers returns recent transfers into address for the given
// token contract, enriched with block numbers and confirmation counts.
// Transient failures come back as an empty list.
func (c *Client) ListTRC20Transfers(ctx context.Context, address, contract string, limit int) []*Transfer {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s",
		c.baseURL, url.PathEscape(address), url.Values{
			"only_to":          {"true"},
			"limit":            {strconv.Itoa(limit)},
			"contract_address": {contract},
		}.Encode())

	var resp trc20Response
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		c.log.Warn("TRC20 transfer query failed", "address", address, "err", err)
		return nil
	}
	if !resp.Success {
		c.log.Warn("TronGrid rejected TRC20 transfer query", "address", address)
		return nil
	}

	// One head-block fetch serves every transfer in this listing.
	head, headErr := c.currentBlock(ctx)

	var out []*Transfer
	for _, item := range resp.Data {
		raw, err := strconv.ParseUint(item.Value, 10, 64)
		if err != nil {
			c.log.Warn("Unparseable transfer value", "tx", item.TransactionID, "value", item.Value)
			continue
		}
		t := &Transfer{
			TxHash:    item.TransactionID,
			From:      item.From,
			To:        item.To,
			RawAmount: raw,
			Contract:  item.TokenInfo.Address,
			Timestamp: time.UnixMilli(item.BlockTimestamp).UTC(),
		}
		if headErr == nil {
			if block, err := c.transactionBlock(ctx, item.TransactionID); err == nil {
				t.BlockNumber = &block
				if confs := head - block + 1; confs > 0 {
					t.Confirmations = int(confs)
				}
			} else {
				c.log.Debug("Transfer not yet placed in a block", "tx", item.TransactionID, "err", err)
			}
		}
		out = append(out, t)
	}
	return out
}

// GetTransaction fetches the block placement of a transaction. Unknown or
// unreachable transactions come back as nil.
func (c *Client) GetTransaction(ctx context.Context, txHash string) *TransactionDetail {
	block, err := c.transactionBlock(ctx, txHash)
	if err != nil {
		c.log.Warn("Transaction query failed", "tx", txHash, "err", err)
		return nil
	}
	detail := &TransactionDetail{TxHash: txHash, BlockNumber: block}
	if head, err := c.currentBlock(ctx); err == nil {
		if confs := head - block + 1; confs > 0 {
			detail.Confirmations = int(confs)
		}
	}
	return detail
}

// transactionBlock resolves the block number a transaction landed in via the
// wallet/gettransactioninfobyid RPC. Transactions the node has not indexed
// yet come back with a zero block and are reported as an error.
func (c *Client) transactionBlock(ctx context.Context, txHash string) (int64, error) {
	var resp struct {
		ID          string `json:"id"`
		BlockNumber int64  `json:"blockNumber"`
	}
	if err := c.postJSON(ctx, c.baseURL+"/wallet/gettransactioninfobyid",
		map[string]string{"value": txHash}, &resp); err != nil {
		return 0, err
	}
	if resp.BlockNumber == 0 {
		return 0, fmt.Errorf("transaction %s not indexed yet", txHash)
	}
	return resp.BlockNumber, nil
}

// currentBlock returns the head block number of the chain.
func (c *Client) currentBlock(ctx context.Context) (int64, error) {
	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.postJSON(ctx, c.baseURL+"/wallet/getnowblock", nil, &resp); err != nil {
		return 0, err
	}
	return resp.BlockHeader.RawData.Number, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(v)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, v any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(v)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}
