package cc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestReader(server *httptest.Server) *HTTPUtxoIndexReader {
	return NewHTTPUtxoIndexReader(server.URL, server.Client())
}

func TestHTTPUtxoIndexReaderNormalUtxos(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/address/1abc/utxo", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`[{"txid":"aa","vout":0,"value":1000,"height":100,"script":"76a914"}]`))
		assert.NoError(t, err)
	}))
	defer server.Close()

	reader := newTestReader(server)
	utxos, err := reader.NormalUtxos(context.Background(), "1abc")
	assert.NoError(t, err)
	assert.Len(t, utxos, 1)
	assert.Equal(t, "aa", utxos[0].TxID)
	assert.Equal(t, uint64(1000), utxos[0].Satoshis)
	assert.Equal(t, 100, utxos[0].Height)
}

func TestHTTPUtxoIndexReaderCCUtxos(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/address/1xyz/cc", r.URL.Path)
		assert.Equal(t, "eval=f2&funcid=t", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`[{"txid":"bb","vout":1,"value":1,"height":200,"script":"abcd","eval":"f2","funcid":"t"}]`))
		assert.NoError(t, err)
	}))
	defer server.Close()

	reader := newTestReader(server)
	utxos, err := reader.CCUtxos(context.Background(), "1xyz", EvalTokensV1, TokenFuncTransferV1)
	assert.NoError(t, err)
	assert.Len(t, utxos, 1)
	assert.Equal(t, EvalTokensV1, utxos[0].Eval)
	assert.Equal(t, TokenFuncTransferV1, utxos[0].FuncID)
}

func TestHTTPUtxoIndexReaderGetTx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tx/deadbeef", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		// Hex is deliberately not a parseable tx: GetTx must still succeed
		// and simply leave Bmap nil rather than fail the whole lookup.
		_, err := w.Write([]byte(`{"txid":"deadbeef","hex":"not-a-real-tx","time":1600000000,"blockheight":700000}`))
		assert.NoError(t, err)
	}))
	defer server.Close()

	reader := newTestReader(server)
	info, err := reader.GetTx(context.Background(), "deadbeef")
	assert.NoError(t, err)
	assert.Equal(t, "deadbeef", info.TxID)
	assert.Equal(t, int64(1600000000), info.Timestamp)
	assert.Equal(t, 700000, info.Height)
	assert.Nil(t, info.Bmap)
}

func TestHTTPUtxoIndexReaderMempoolUtxosAt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/address/1abc/unconfirmed", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`[{"txid":"cc","vout":0,"value":500,"height":0,"script":"ff"}]`))
		assert.NoError(t, err)
	}))
	defer server.Close()

	reader := newTestReader(server)
	utxos, err := reader.MempoolUtxosAt(context.Background(), "1abc")
	assert.NoError(t, err)
	assert.Len(t, utxos, 1)
	assert.Equal(t, uint64(500), utxos[0].Satoshis)
}

func TestHTTPUtxoIndexReaderErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reader := newTestReader(server)
	_, err := reader.NormalUtxos(context.Background(), "1abc")
	assert.Error(t, err)
	assert.True(t, Is(err, KindNotFound))
}

func TestNewHTTPUtxoIndexReaderDefaults(t *testing.T) {
	reader := NewHTTPUtxoIndexReader("", nil)
	assert.Equal(t, APIHost, reader.BaseURL)
	assert.Equal(t, http.DefaultClient, reader.Client)
}
