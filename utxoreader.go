package cc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitcoinschema/go-bmap"
)

// Utxo is a single spendable output as reported by a UtxoIndexReader.
type Utxo struct {
	TxID         string
	Vout         uint32
	ScriptPubKey string
	Satoshis     uint64
	Height       int
}

// CCUtxo is a Utxo known to carry a crypto-condition output, annotated with
// the module eval-code and funcid decoded from its op-return.
type CCUtxo struct {
	Utxo
	Eval   byte
	FuncID byte
}

// UtxoIndexReader abstracts over whatever backs UTXO lookups: a live
// indexer HTTP API, a local UTXO set, or (in tests) a canned fixture. Every
// method takes a context so a caller can bound indexer round-trips, per the
// concurrency model's "every blocking call is cancellable" rule.
type UtxoIndexReader interface {
	// NormalUtxos returns plain (non-CC) spendable outputs at address,
	// suitable for fee/change funding.
	NormalUtxos(ctx context.Context, address string) ([]*Utxo, error)
	// CCUtxos returns crypto-condition outputs at address gated by eval,
	// optionally filtered to a single funcid (0 means any).
	CCUtxos(ctx context.Context, address string, eval byte, funcID byte) ([]*CCUtxo, error)
	// GetTx fetches a transaction by hex-encoded txid.
	GetTx(ctx context.Context, txid string) (*TxInfo, error)
	// MempoolUtxosAt overlays unconfirmed outputs currently in the mempool
	// for address on top of NormalUtxos, so a fast chain of spends (e.g.
	// a bid being raised twice in a row) can see its own prior outputs.
	MempoolUtxosAt(ctx context.Context, address string) ([]*Utxo, error)
}

// TxInfo is the subset of transaction detail the builders and validator
// need: the raw bytes plus the chain timestamp (for the heir payload's
// hardfork-gated decode path) and confirmation height (0 if unconfirmed).
type TxInfo struct {
	TxID      string
	RawHex    string
	Timestamp int64
	Height    int
	// Bmap is the decoded BOB/BPU-shaped view of RawHex's MAP-tagged
	// op-return (go-bmap layers go-bob/go-bpu underneath), populated on a
	// best-effort basis: nil when the tx carries no MAP-recognisable
	// op-return rather than treated as a GetTx failure.
	Bmap *bmap.Tx
}

// HTTPUtxoIndexReader implements UtxoIndexReader against a 1Sat-style
// indexer HTTP API, generalising the fetch/decode pattern used throughout
// the reference repository's address-lookup helpers.
type HTTPUtxoIndexReader struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPUtxoIndexReader builds a reader against baseURL, defaulting to
// APIHost and http.DefaultClient when either is left zero.
func NewHTTPUtxoIndexReader(baseURL string, client *http.Client) *HTTPUtxoIndexReader {
	if baseURL == "" {
		baseURL = APIHost
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUtxoIndexReader{BaseURL: baseURL, Client: client}
}

type utxoResponse struct {
	Txid   string `json:"txid"`
	Vout   int    `json:"vout"`
	Value  int    `json:"value"`
	Height int    `json:"height"`
	Script string `json:"script"`
}

func (h *HTTPUtxoIndexReader) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return newErr("HTTPUtxoIndexReader.get", KindInputInvalid, "failed to build request", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return newErr("HTTPUtxoIndexReader.get", KindNotFound, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return newErr("HTTPUtxoIndexReader.get", KindNotFound, "failed to read response body", err)
	}
	if resp.StatusCode >= 400 {
		return newErr("HTTPUtxoIndexReader.get", KindNotFound, fmt.Sprintf("indexer returned status %d", resp.StatusCode), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newErr("HTTPUtxoIndexReader.get", KindDecodeError, "failed to unmarshal response", err)
	}
	return nil
}

// NormalUtxos implements UtxoIndexReader.
func (h *HTTPUtxoIndexReader) NormalUtxos(ctx context.Context, address string) ([]*Utxo, error) {
	var resp []utxoResponse
	url := fmt.Sprintf("%s/address/%s/utxo", h.BaseURL, address)
	if err := h.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	out := make([]*Utxo, 0, len(resp))
	for _, u := range resp {
		out = append(out, &Utxo{TxID: u.Txid, Vout: uint32(u.Vout), ScriptPubKey: u.Script, Satoshis: uint64(u.Value), Height: u.Height})
	}
	return out, nil
}

type ccUtxoResponse struct {
	utxoResponse
	Eval   string `json:"eval"`
	FuncID string `json:"funcid"`
}

// CCUtxos implements UtxoIndexReader.
func (h *HTTPUtxoIndexReader) CCUtxos(ctx context.Context, address string, eval byte, funcID byte) ([]*CCUtxo, error) {
	url := fmt.Sprintf("%s/address/%s/cc?eval=%02x", h.BaseURL, address, eval)
	if funcID != 0 {
		url += fmt.Sprintf("&funcid=%c", funcID)
	}
	var resp []ccUtxoResponse
	if err := h.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	out := make([]*CCUtxo, 0, len(resp))
	for _, u := range resp {
		var fn byte
		if len(u.FuncID) > 0 {
			fn = u.FuncID[0]
		}
		out = append(out, &CCUtxo{
			Utxo:   Utxo{TxID: u.Txid, Vout: uint32(u.Vout), ScriptPubKey: u.Script, Satoshis: uint64(u.Value), Height: u.Height},
			Eval:   eval,
			FuncID: fn,
		})
	}
	return out, nil
}

type txInfoResponse struct {
	Txid string `json:"txid"`
	Hex  string `json:"hex"`
	Time int64  `json:"time"`
	Blockheight int `json:"blockheight"`
}

// GetTx implements UtxoIndexReader.
func (h *HTTPUtxoIndexReader) GetTx(ctx context.Context, txid string) (*TxInfo, error) {
	var resp txInfoResponse
	url := fmt.Sprintf("%s/tx/%s", h.BaseURL, txid)
	if err := h.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	info := &TxInfo{TxID: resp.Txid, RawHex: resp.Hex, Timestamp: resp.Time, Height: resp.Blockheight}
	if bmapTx, err := bmap.NewFromTx(resp.Hex); err == nil {
		info.Bmap = bmapTx
	}
	return info, nil
}

// MempoolUtxosAt implements UtxoIndexReader.
func (h *HTTPUtxoIndexReader) MempoolUtxosAt(ctx context.Context, address string) ([]*Utxo, error) {
	var resp []utxoResponse
	url := fmt.Sprintf("%s/address/%s/unconfirmed", h.BaseURL, address)
	if err := h.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	out := make([]*Utxo, 0, len(resp))
	for _, u := range resp {
		out = append(out, &Utxo{TxID: u.Txid, Vout: uint32(u.Vout), ScriptPubKey: u.Script, Satoshis: uint64(u.Value), Height: 0})
	}
	return out, nil
}
