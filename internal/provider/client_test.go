package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetOpenPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/acc-1/positions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"open_positions":[
			{"account_id":"acc-1","position_id":"p1","symbol":"EURUSD",
			 "direction":"BUY","volume":"1","entry_price":"1.0800",
			 "stop_loss":"1.0700","take_profit":"1.1000"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	positions, err := c.GetOpenPositions(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "p1", positions[0].PositionID)
	assert.True(t, positions[0].EntryPrice.Equal(decimal.RequireFromString("1.0800")))
}

func TestAdjustStop(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/positions/p1/stop", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	err := c.AdjustStop(context.Background(), "p1", decimal.RequireFromString("1.0850"))
	require.NoError(t, err)
	assert.Equal(t, "1.085", got["stop_loss"])
}

func TestClosePosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/positions/p1/close", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	assert.NoError(t, c.ClosePosition(context.Background(), "p1"))
}

func TestCommandRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, zap.NewNop())
	assert.Error(t, c.AdjustStop(context.Background(), "p1", decimal.RequireFromString("1.0850")))
	assert.Error(t, c.ClosePosition(context.Background(), "p1"))
}
