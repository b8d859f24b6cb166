package zoho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// newTestClient wires a client against a fake token endpoint and API server.
func newTestClient(t *testing.T, api http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		fmt.Fprint(w, `{"access_token":"at-1","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	return NewClient(Config{
		BaseURL:      apiSrv.URL,
		TokenURL:     tokenSrv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		RefreshToken: "rt-1",
		RPS:          100,
	}, slog.Default()), &tokenCalls
}

func TestSearchCustomersAuthAndDecode(t *testing.T) {
	client, tokenCalls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Zoho-oauthtoken at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/contacts", r.URL.Path)
		assert.Equal(t, "Acme", r.URL.Query().Get("contact_name_contains"))
		fmt.Fprint(w, `{"contacts":[{"contact_id":"c-1","contact_name":"Acme Corp"}]}`)
	})

	customers, err := client.SearchCustomers(context.Background(), "Acme")
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, "c-1", customers[0].ContactID)

	// Second call reuses the cached token.
	_, err = client.SearchCustomers(context.Background(), "Acme")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls))
}

func TestSearchItemsQueryPrecedence(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "4006381333931", r.URL.Query().Get("ean"))
		assert.Empty(t, r.URL.Query().Get("sku"))
		fmt.Fprint(w, `{"items":[{"item_id":"i-1","name":"Widget","ean":"4006381333931"}]}`)
	})

	// GTIN wins over SKU when both are set.
	items, err := client.SearchItems(context.Background(), ItemQuery{GTIN: "4006381333931", SKU: "ABC-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "i-1", items[0].ItemID)
}

func TestCreateSalesOrderSendsIdempotencyKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/salesorders", r.URL.Path)
		assert.Equal(t, "fp-123", r.Header.Get("X-Idempotency-Key"))

		var order SalesOrder
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, "draft", order.Status)
		assert.Equal(t, "c-1", order.CustomerID)
		require.Len(t, order.LineItems, 1)
		assert.Equal(t, 10.0, order.LineItems[0].Quantity)

		fmt.Fprint(w, `{"salesorder":{"salesorder_id":"so-1","salesorder_number":"SO-00042"}}`)
	})

	result, err := client.CreateSalesOrder(context.Background(), SalesOrder{
		CustomerID: "c-1",
		LineItems:  []SalesOrderLine{{ItemID: "i-1", Quantity: 10}},
	}, "fp-123")
	require.NoError(t, err)
	assert.Equal(t, "so-1", result.SalesOrderID)
	assert.Equal(t, "SO-00042", result.SalesOrderNumber)
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":4002,"message":"customer_id is invalid"}`)
	})

	_, err := client.SearchCustomers(context.Background(), "Acme")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, 4002, apiErr.Code)
	assert.Contains(t, apiErr.Message, "invalid")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		kind      contracts.ErrorKind
		retryable bool
	}{
		{"network", errors.New("dial tcp: connection refused"), "CATALOG_UNAVAILABLE", contracts.KindTransient, true},
		{"rate limited", &APIError{Status: 429}, "CATALOG_UNAVAILABLE", contracts.KindTransient, true},
		{"server error", &APIError{Status: 503}, "CATALOG_UNAVAILABLE", contracts.KindTransient, true},
		{"auth expired", &APIError{Status: 401, Message: "invalid token"}, "CATALOG_AUTH_INVALID", contracts.KindFatal, false},
		{"forbidden", &APIError{Status: 403}, "CATALOG_AUTH_INVALID", contracts.KindFatal, false},
		{"validation", &APIError{Status: 400, Message: "bad payload"}, "ZOHO_VALIDATION_ERROR", contracts.KindFatal, false},
		{"not found", &APIError{Status: 404}, "ZOHO_VALIDATION_ERROR", contracts.KindFatal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ae := Classify(tc.err)
			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, tc.kind, ae.Kind)
			assert.Equal(t, tc.retryable, ae.Retryable)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestTokenRefreshFailureSurfaces(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	defer tokenSrv.Close()

	client := NewClient(Config{
		BaseURL: "http://unreachable.invalid", TokenURL: tokenSrv.URL,
		ClientID: "cid", ClientSecret: "bad", RefreshToken: "rt-1", RPS: 100,
	}, slog.Default())

	_, err := client.SearchCustomers(context.Background(), "Acme")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
}
