// Package esplora implements chain.Source and chain.HistorySource over the
// Esplora REST API served by Blockstream's Liquid explorer and electrs.
package esplora

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/liquidtx"
	"github.com/vulpemventures/go-elements/transaction"
)

// Esplora returns at most this many confirmed transactions per history page.
const chainPageSize = 25

var (
	ErrInvalidConfig    = errors.New("esplora: invalid config")
	ErrHTTP             = errors.New("esplora: http error")
	ErrResponseTooLarge = errors.New("esplora: response too large")
	ErrMalformed        = errors.New("esplora: malformed response")
)

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "esplora: nil http error"
	}
	return fmt.Sprintf("esplora: http status %d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error { return ErrHTTP }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      string
	hc           *http.Client
	maxRespBytes int64
}

var (
	_ chain.Source         = (*Client)(nil)
	_ chain.HistorySource  = (*Client)(nil)
	_ chain.UnspentFetcher = (*Client)(nil)
)

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	c := &Client{
		baseURL:      baseURL,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type txStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type utxoResult struct {
	Txid   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status txStatus `json:"status"`
	// Value and Asset are absent for confidential outputs.
	Value *uint64 `json:"value"`
	Asset string  `json:"asset"`
}

type txResult struct {
	Txid   string   `json:"txid"`
	Status txStatus `json:"status"`
}

type outspendResult struct {
	Spent bool   `json:"spent"`
	Txid  string `json:"txid"`
}

func (c *Client) BestBlockHeight(ctx context.Context) (uint32, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: tip height %q", ErrMalformed, body)
	}
	return uint32(h), nil
}

// ListUnspent lists outputs paying to script. The raw output is taken from
// the creating transaction.
func (c *Client) ListUnspent(ctx context.Context, script []byte) ([]chain.Unspent, error) {
	return c.ListUnspentVia(ctx, script, c.GetTransaction)
}

// ListUnspentVia is ListUnspent with creating transactions read from fetch.
// Each creating transaction is fetched once per call.
func (c *Client) ListUnspentVia(ctx context.Context, script []byte, fetch chain.TxFetcher) ([]chain.Unspent, error) {
	if fetch == nil {
		fetch = c.GetTransaction
	}
	var res []utxoResult
	if err := c.getJSON(ctx, "/scripthash/"+ScriptHash(script)+"/utxo", &res); err != nil {
		return nil, err
	}

	txs := make(map[chainhash.Hash]*transaction.Transaction)
	out := make([]chain.Unspent, 0, len(res))
	for _, r := range res {
		txid, err := chainhash.NewHashFromStr(r.Txid)
		if err != nil {
			return nil, fmt.Errorf("%w: utxo txid %q", ErrMalformed, r.Txid)
		}
		tx, ok := txs[*txid]
		if !ok {
			raw, err := fetch(ctx, *txid)
			if err != nil {
				return nil, err
			}
			if raw == nil {
				return nil, fmt.Errorf("%w: utxo transaction %s not found", ErrMalformed, txid)
			}
			if tx, err = liquidtx.Decode(raw); err != nil {
				return nil, err
			}
			txs[*txid] = tx
		}
		if int(r.Vout) >= len(tx.Outputs) {
			return nil, fmt.Errorf("%w: vout %d of %s", ErrMalformed, r.Vout, txid)
		}
		rawOut, err := liquidtx.SerializeOutput(tx.Outputs[r.Vout])
		if err != nil {
			return nil, err
		}

		u := chain.Unspent{
			Outpoint:  chain.Outpoint{Txid: *txid, Vout: r.Vout},
			RawOutput: rawOut,
		}
		if r.Value != nil {
			u.Value = *r.Value
		}
		if r.Asset != "" {
			if u.AssetID, err = chain.ParseAssetID(r.Asset); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
		}
		if r.Status.Confirmed && r.Status.BlockHeight > 0 {
			h := uint32(r.Status.BlockHeight)
			u.BlockHeight = &h
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) IsSpent(ctx context.Context, op chain.Outpoint) (*chainhash.Hash, error) {
	var res outspendResult
	if err := c.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", op.Txid, op.Vout), &res); err != nil {
		return nil, err
	}
	if !res.Spent {
		return nil, nil
	}
	h, err := chainhash.NewHashFromStr(res.Txid)
	if err != nil {
		return nil, fmt.Errorf("%w: spending txid %q", ErrMalformed, res.Txid)
	}
	return h, nil
}

// GetTransaction returns nil when the explorer does not know txid.
func (c *Client) GetTransaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	body, err := c.get(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: tx hex: %v", ErrMalformed, err)
	}
	return raw, nil
}

// ScriptHistory returns every transaction touching script, confirmed ones
// oldest first followed by mempool entries at height 0.
func (c *Client) ScriptHistory(ctx context.Context, script []byte) ([]chain.HistoryEntry, error) {
	base := "/scripthash/" + ScriptHash(script) + "/txs"

	var page []txResult
	if err := c.getJSON(ctx, base, &page); err != nil {
		return nil, err
	}
	var mempool, confirmed []chain.HistoryEntry
	for {
		var lastConfirmed string
		n := 0
		for _, r := range page {
			txid, err := chainhash.NewHashFromStr(r.Txid)
			if err != nil {
				return nil, fmt.Errorf("%w: history txid %q", ErrMalformed, r.Txid)
			}
			if !r.Status.Confirmed {
				mempool = append(mempool, chain.HistoryEntry{Txid: *txid})
				continue
			}
			confirmed = append(confirmed, chain.HistoryEntry{Txid: *txid, Height: r.Status.BlockHeight})
			lastConfirmed = r.Txid
			n++
		}
		if n < chainPageSize {
			break
		}
		page = nil
		if err := c.getJSON(ctx, base+"/chain/"+lastConfirmed, &page); err != nil {
			return nil, err
		}
	}

	out := make([]chain.HistoryEntry, 0, len(confirmed)+len(mempool))
	for i := len(confirmed) - 1; i >= 0; i-- {
		out = append(out, confirmed[i])
	}
	return append(out, mempool...), nil
}

// ScriptHash is the Electrum-style script hash: SHA-256 of the script in
// reversed byte order.
func ScriptHash(script []byte) string {
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("esplora: build request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esplora: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("esplora: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
