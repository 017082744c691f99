package btc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeBitcoind answers each method with a canned result and records calls.
func fakeBitcoind(t *testing.T, replies map[string]string) (*Client, *[]rpcCall) {
	t.Helper()
	var calls []rpcCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c rpcCall
		json.NewDecoder(r.Body).Decode(&c)
		calls = append(calls, c)
		reply, ok := replies[c.Method]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":1}`))
			return
		}
		if len(reply) > 0 && reply[0] == '!' {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"result":null,"error":` + reply[1:] + `,"id":1}`))
			return
		}
		w.Write([]byte(`{"result":` + reply + `,"error":null,"id":1}`))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "user", "pass", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return c, &calls
}

func TestClient_ListUnspent(t *testing.T) {
	c, calls := fakeBitcoind(t, map[string]string{
		"listunspent": `[{"txid":"aa","vout":1,"address":"mx","amount":0.1254,"confirmations":7}]`,
	})
	got, err := c.ListUnspent(context.Background(), 6, []string{"mx"})
	if err != nil {
		t.Fatalf("ListUnspent() error: %v", err)
	}
	if len(got) != 1 || got[0].Amount.String() != "0.1254" || got[0].Vout != 1 {
		t.Fatalf("ListUnspent() = %+v", got)
	}
	params := (*calls)[0].Params
	if string(params[0]) != "6" || string(params[2]) != `["mx"]` {
		t.Errorf("listunspent params = %s", params)
	}
}

func TestClient_GetTransaction(t *testing.T) {
	c, _ := fakeBitcoind(t, map[string]string{
		"gettransaction": `{"txid":"aa","confirmations":3,"hex":"00"}`,
	})
	tx, err := c.GetTransaction(context.Background(), "aa")
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if tx.Confirmations == nil || *tx.Confirmations != 3 {
		t.Fatalf("Confirmations = %v, want 3", tx.Confirmations)
	}

	c, _ = fakeBitcoind(t, map[string]string{
		"gettransaction": `{"txid":"aa","hex":"00"}`,
	})
	tx, err = c.GetTransaction(context.Background(), "aa")
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if tx.Confirmations != nil {
		t.Fatalf("Confirmations = %v, want nil for missing field", *tx.Confirmations)
	}
}

func TestClient_TxNotFound(t *testing.T) {
	c, _ := fakeBitcoind(t, map[string]string{
		"gettransaction": `!{"code":-5,"message":"Invalid or non-wallet transaction id"}`,
	})
	_, err := c.GetTransaction(context.Background(), "bb")
	if !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("GetTransaction() error = %v, want ErrTxNotFound", err)
	}
}

func TestClient_EstimateSmartFee(t *testing.T) {
	c, _ := fakeBitcoind(t, map[string]string{
		"estimatesmartfee": `{"feerate":0.00021,"blocks":5}`,
	})
	rate, err := c.EstimateSmartFee(context.Background(), 5)
	if err != nil {
		t.Fatalf("EstimateSmartFee() error: %v", err)
	}
	if rate.String() != "0.00021" {
		t.Errorf("rate = %s, want 0.00021", rate)
	}

	c, _ = fakeBitcoind(t, map[string]string{
		"estimatesmartfee": `{"errors":["Insufficient data or no feerate found"],"blocks":0}`,
	})
	if _, err := c.EstimateSmartFee(context.Background(), 5); err == nil {
		t.Error("EstimateSmartFee() without feerate should fail")
	}
}

func TestClient_CreateRawTransactionKeepsOutputOrder(t *testing.T) {
	c, calls := fakeBitcoind(t, map[string]string{"createrawtransaction": `"0200"`})
	raw, err := c.CreateRawTransaction(context.Background(),
		[]Input{{TxID: "aa", Vout: 0}},
		[]Output{
			{Address: "zdest", Amount: mustDecimal("0.2")},
			{Address: "achange", Amount: mustDecimal("0.00001")},
		})
	if err != nil {
		t.Fatalf("CreateRawTransaction() error: %v", err)
	}
	if raw != "0200" {
		t.Errorf("raw = %s", raw)
	}
	want := `[{"zdest":0.20000000},{"achange":0.00001000}]`
	if got := string((*calls)[0].Params[1]); got != want {
		t.Errorf("outputs = %s, want %s", got, want)
	}
}

func TestClient_ImportMulti(t *testing.T) {
	c, calls := fakeBitcoind(t, map[string]string{
		"importmulti": `[{"success":true},{"success":false,"error":{"code":-4,"message":"boom"}}]`,
	})
	res, err := c.ImportMulti(context.Background(), []ImportRequest{
		{Address: "a", Timestamp: 1700000000},
		{Address: "b"},
	}, true)
	if err != nil {
		t.Fatalf("ImportMulti() error: %v", err)
	}
	if !res[0].Success || res[1].Success || res[1].Error.Code != -4 {
		t.Fatalf("ImportMulti() = %+v", res)
	}
	var reqs []map[string]interface{}
	json.Unmarshal((*calls)[0].Params[0], &reqs)
	if reqs[0]["timestamp"] != float64(1700000000) || reqs[1]["timestamp"] != "now" {
		t.Errorf("timestamps = %v, %v", reqs[0]["timestamp"], reqs[1]["timestamp"])
	}
	if string((*calls)[0].Params[1]) != `{"rescan":true}` {
		t.Errorf("options = %s", (*calls)[0].Params[1])
	}
}

func TestClient_ListSinceBlock(t *testing.T) {
	c, calls := fakeBitcoind(t, map[string]string{
		"listsinceblock": `{"transactions":[{"txid":"t1","address":"a","category":"receive","amount":0.5,"vout":0,"confirmations":2}],"lastblock":"h2"}`,
	})
	res, err := c.ListSinceBlock(context.Background(), "", 6)
	if err != nil {
		t.Fatalf("ListSinceBlock() error: %v", err)
	}
	if res.LastBlock != "h2" || len(res.Transactions) != 1 {
		t.Fatalf("ListSinceBlock() = %+v", res)
	}
	if string((*calls)[0].Params[2]) != "true" {
		t.Errorf("include_watchonly = %s, want true", (*calls)[0].Params[2])
	}
}
