package binancefutures

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeengine/internal/config"
	"tradeengine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() context.Context { return context.Background() }

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOrderTypeParams_MapsEveryCoreOrderType(t *testing.T) {
	cases := []struct {
		in         core.OrderType
		wantType   string
		wantParam  string
	}{
		{core.OrderTypeMarket, "MARKET", ""},
		{core.OrderTypeLimit, "LIMIT", "price"},
		{core.OrderTypeStop, "STOP_MARKET", "stopPrice"},
		{core.OrderTypeStopLimit, "STOP", "stopPrice"},
		{core.OrderTypeTakeProfit, "TAKE_PROFIT_MARKET", "stopPrice"},
		{core.OrderTypeTakeProfitLimit, "TAKE_PROFIT", "stopPrice"},
	}
	for _, c := range cases {
		binanceType, priceParam := orderTypeParams(c.in)
		assert.Equal(t, c.wantType, binanceType, "order type %s", c.in)
		assert.Equal(t, c.wantParam, priceParam, "order type %s", c.in)
	}
}

func TestMapExecStatus_TranslatesBinanceStatuses(t *testing.T) {
	assert.Equal(t, core.ExecFilled, mapExecStatus("FILLED"))
	assert.Equal(t, core.ExecPartiallyFilled, mapExecStatus("PARTIALLY_FILLED"))
	assert.Equal(t, core.ExecRejected, mapExecStatus("REJECTED"))
	assert.Equal(t, core.ExecRejected, mapExecStatus("EXPIRED"))
	assert.Equal(t, core.ExecNew, mapExecStatus("NEW"))
}

func TestURLEncode_BuildsValuesFromMap(t *testing.T) {
	v := urlEncode(map[string]string{"symbol": "BTCUSDT", "side": "BUY"})
	assert.Equal(t, "BTCUSDT", v.Get("symbol"))
	assert.Equal(t, "BUY", v.Get("side"))
}

func TestHMACSigner_SetsSignatureAndAPIKeyHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://fapi.binance.com/fapi/v1/order?symbol=BTCUSDT", nil)
	require.NoError(t, err)

	signer := &hmacSigner{apiKey: "key123", secretKey: "secret456"}
	require.NoError(t, signer.SignRequest(req))

	assert.Equal(t, "key123", req.Header.Get("X-MBX-APIKEY"))
	q := req.URL.Query()
	assert.NotEmpty(t, q.Get("signature"))
	assert.NotEmpty(t, q.Get("timestamp"))
	assert.Equal(t, "5000", q.Get("recvWindow"))
}

func TestGetSymbolPrice_ParsesTickerResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/price", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"50123.45"}`))
	}))
	defer server.Close()

	exch := New(config.ExchangeConfig{Name: "binance_futures", BaseURL: server.URL, APIKey: "k", SecretKey: "s"})
	price, err := exch.GetSymbolPrice(newTestContext(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50123.45, price)
}

func TestGetAccountInfo_ParsesBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalWalletBalance":"10000.5","availableBalance":"9500.25"}`))
	}))
	defer server.Close()

	exch := New(config.ExchangeConfig{Name: "binance_futures", BaseURL: server.URL, APIKey: "k", SecretKey: "s"})
	info, err := exch.GetAccountInfo(newTestContext())
	require.NoError(t, err)
	assert.True(t, info.TotalWalletBalance.Equal(mustDecimal("10000.5")))
	assert.True(t, info.AvailableBalance.Equal(mustDecimal("9500.25")))
}
