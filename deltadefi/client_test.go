package deltadefi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient spins up a fake venue and returns a client pointed at it.
// The mux routes are filled in by each test.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(ApiConfig{
		ApiKey:  "test-key",
		BaseURL: srv.URL,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewClientNetworkResolution(t *testing.T) {
	c := NewClient(ApiConfig{Network: "mainnet", ApiKey: "k"})
	if c.streamURL != mainnetStreamURL {
		t.Errorf("mainnet stream URL: got %s, want %s", c.streamURL, mainnetStreamURL)
	}

	c = NewClient(ApiConfig{Network: "staging", ApiKey: "k"})
	if c.streamURL != stagingStreamURL {
		t.Errorf("staging stream URL: got %s, want %s", c.streamURL, stagingStreamURL)
	}

	// Unknown networks fall back to staging.
	c = NewClient(ApiConfig{Network: "", ApiKey: "k"})
	if c.streamURL != stagingStreamURL {
		t.Errorf("default stream URL: got %s, want %s", c.streamURL, stagingStreamURL)
	}

	c = NewClient(ApiConfig{ApiKey: "k", BaseURL: "http://localhost:1", StreamURL: "ws://localhost:2"})
	if c.streamURL != "ws://localhost:2" {
		t.Errorf("stream URL override not honored: got %s", c.streamURL)
	}
}

func TestGetAccountBalance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/balance", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("X-API-KEY header: got %q", got)
		}
		writeJSON(t, w, GetAccountBalanceResponse{
			{Asset: "ADA", Free: 1000, Locked: 250},
			{Asset: "USDM", Free: 5000, Locked: 0},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.Accounts.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("GetAccountBalance: %v", err)
	}
	if len(*res) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(*res))
	}
	if (*res)[0].Asset != "ADA" || (*res)[0].Locked != 250 {
		t.Errorf("unexpected first balance: %+v", (*res)[0])
	}
}

func TestGetOrderRecordsQueryParams(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/order-records", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "tradingHistory" {
			t.Errorf("status param: got %q", q.Get("status"))
		}
		if q.Get("page") != "2" || q.Get("limit") != "50" {
			t.Errorf("paging params: page=%q limit=%q", q.Get("page"), q.Get("limit"))
		}
		writeJSON(t, w, GetOrderRecordsResponse{
			Data: []OrderRecordGroup{{
				Symbol: "ADAUSDM",
				Orders: []OrderRecord{{OrderID: "o-1", Status: OrderStatusFilled}},
			}},
			Page:      2,
			TotalPage: 3,
		})
	})

	c := newTestClient(t, mux)
	res, err := c.Accounts.GetOrderRecords(context.Background(), &GetOrderRecordRequest{
		Status: OrderRecordStatusTradingHistory,
		Page:   2,
		Limit:  50,
	})
	if err != nil {
		t.Fatalf("GetOrderRecords: %v", err)
	}
	if res.TotalPage != 3 || len(res.Data) != 1 || res.Data[0].Orders[0].OrderID != "o-1" {
		t.Errorf("unexpected response: %+v", res)
	}
}

func TestGetAllOpenOrdersPagination(t *testing.T) {
	pagesServed := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/order-records", func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		page := r.URL.Query().Get("page")
		switch page {
		case "", "1":
			writeJSON(t, w, GetOrderRecordsResponse{
				Data: []OrderRecordGroup{{
					Symbol: "ADAUSDM",
					Orders: []OrderRecord{{OrderID: "a"}, {OrderID: "b"}},
				}},
				Page:      1,
				TotalPage: 2,
			})
		case "2":
			writeJSON(t, w, GetOrderRecordsResponse{
				Data: []OrderRecordGroup{{
					Symbol: "ADAUSDX",
					Orders: []OrderRecord{{OrderID: "c"}},
				}},
				Page:      2,
				TotalPage: 2,
			})
		default:
			t.Errorf("unexpected page %q", page)
		}
	})

	c := newTestClient(t, mux)
	orders, err := c.Accounts.GetAllOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("GetAllOpenOrders: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders across pages, got %d", len(orders))
	}
	if pagesServed != 2 {
		t.Errorf("expected 2 page fetches, got %d", pagesServed)
	}
}

func TestGetMarketPriceCaching(t *testing.T) {
	hits := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/market/market-price", func(w http.ResponseWriter, r *http.Request) {
		hits++
		writeJSON(t, w, GetMarketPriceResponse{Price: 0.5})
	})

	c := newTestClient(t, mux)
	for i := 0; i < 3; i++ {
		res, err := c.Market.GetMarketPrice(context.Background(), "ADAUSDM")
		if err != nil {
			t.Fatalf("GetMarketPrice: %v", err)
		}
		if res.Price != 0.5 {
			t.Errorf("price: got %v", res.Price)
		}
	}
	if hits != 1 {
		t.Errorf("expected 1 upstream hit within cache window, got %d", hits)
	}
}

func TestGetAggregatedPriceValidation(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.Market.GetAggregatedPrice(context.Background(), &GetAggregatedPriceRequest{
		Symbol: "ADAUSDM",
		Start:  200,
		End:    100,
	})
	if err == nil {
		t.Fatal("expected error when start > end")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/market/depth", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(t, w, map[string]string{"error": "unknown symbol"})
	})

	c := newTestClient(t, mux)
	_, err := c.Market.GetDepth(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "unknown symbol" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}

func TestPostOrderRequiresOperationKey(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.PostOrder(context.Background(), &BuildPlaceOrderTransactionRequest{
		Symbol:   "ADAUSDM",
		Side:     OrderSideBuy,
		Type:     OrderTypeLimit,
		Quantity: 100,
		Price:    FloatPtr(0.5),
	})
	if err != ErrOperationKeyNotLoaded {
		t.Errorf("expected ErrOperationKeyNotLoaded, got %v", err)
	}
	if c.HasOperationKey() {
		t.Error("no key should be loaded")
	}
}

func TestPostOrderBuildSignSubmit(t *testing.T) {
	seed := newTestSeed(t)
	blob := mustEncrypt(t, seed, "passcode")
	txBody := []byte("unsigned order tx")

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/operation-key", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, GetOperationKeyResponse{EncryptedOperationKey: blob})
	})
	mux.HandleFunc("/order/build", func(w http.ResponseWriter, r *http.Request) {
		var req BuildPlaceOrderTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode build request: %v", err)
		}
		if req.Symbol != "ADAUSDM" || req.Side != OrderSideBuy {
			t.Errorf("unexpected build request: %+v", req)
		}
		writeJSON(t, w, BuildPlaceOrderTransactionResponse{
			OrderID: "o-42",
			TxHex:   hex.EncodeToString(txBody),
		})
	})
	mux.HandleFunc("/order/submit", func(w http.ResponseWriter, r *http.Request) {
		var req SubmitPlaceOrderTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode submit request: %v", err)
		}
		if req.OrderID != "o-42" {
			t.Errorf("submit order id: got %q", req.OrderID)
		}
		ok, err := VerifySignedTx(req.SignedTx)
		if err != nil || !ok {
			t.Errorf("submitted tx does not verify: ok=%v err=%v", ok, err)
		}
		writeJSON(t, w, SubmitPlaceOrderTransactionResponse{
			Order:  OrderRecord{OrderID: "o-42", Status: OrderStatusOpen},
			TxHash: "deadbeef",
		})
	})

	c := newTestClient(t, mux)
	if err := c.LoadOperationKey(context.Background(), "passcode"); err != nil {
		t.Fatalf("LoadOperationKey: %v", err)
	}
	if !c.HasOperationKey() {
		t.Fatal("operation key should be loaded")
	}

	res, err := c.PostOrder(context.Background(), &BuildPlaceOrderTransactionRequest{
		Symbol:   "ADAUSDM",
		Side:     OrderSideBuy,
		Type:     OrderTypeLimit,
		Quantity: 100,
		Price:    FloatPtr(0.48),
	})
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if res.Order.OrderID != "o-42" || res.TxHash != "deadbeef" {
		t.Errorf("unexpected PostOrder response: %+v", res)
	}
}

func TestCancelOrder(t *testing.T) {
	seed := newTestSeed(t)
	blob := mustEncrypt(t, seed, "p")

	mux := http.NewServeMux()
	mux.HandleFunc("/order/o-7/cancel/build", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, BuildCancelOrderTransactionResponse{
			TxHex: hex.EncodeToString([]byte("cancel tx")),
		})
	})
	mux.HandleFunc("/order/cancel/submit", func(w http.ResponseWriter, r *http.Request) {
		var req SubmitCancelOrderTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode cancel submit: %v", err)
		}
		if ok, _ := VerifySignedTx(req.SignedTx); !ok {
			t.Error("cancel tx does not verify")
		}
		writeJSON(t, w, SubmitCancelOrderTransactionResponse{TxHash: "cafe"})
	})

	c := newTestClient(t, mux)
	if err := c.LoadOperationKeyFromBlob(blob, "p"); err != nil {
		t.Fatalf("LoadOperationKeyFromBlob: %v", err)
	}

	res, err := c.CancelOrder(context.Background(), "o-7")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.TxHash != "cafe" {
		t.Errorf("tx hash: got %q", res.TxHash)
	}
}

func TestBuildPlaceOrderValidation(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	ctx := context.Background()

	cases := []struct {
		name string
		req  *BuildPlaceOrderTransactionRequest
	}{
		{"bad side", &BuildPlaceOrderTransactionRequest{Symbol: "S", Side: "hold", Type: OrderTypeLimit, Quantity: 1, Price: FloatPtr(1)}},
		{"bad type", &BuildPlaceOrderTransactionRequest{Symbol: "S", Side: OrderSideBuy, Type: "stop", Quantity: 1}},
		{"limit without price", &BuildPlaceOrderTransactionRequest{Symbol: "S", Side: OrderSideBuy, Type: OrderTypeLimit, Quantity: 1}},
		{"zero quantity", &BuildPlaceOrderTransactionRequest{Symbol: "S", Side: OrderSideBuy, Type: OrderTypeMarket}},
	}
	for _, tc := range cases {
		if _, err := c.Order.BuildPlaceOrderTransaction(ctx, tc.req); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
