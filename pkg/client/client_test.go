package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/malbeclabs/kinesis-aggregator/internal/aggregator"
	"github.com/malbeclabs/kinesis-aggregator/internal/server"
	"github.com/malbeclabs/kinesis-aggregator/internal/sink"
	"github.com/malbeclabs/kinesis-aggregator/internal/wire"
	"github.com/malbeclabs/kinesis-aggregator/pkg/types"
	"github.com/stretchr/testify/require"
)

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func startAggregator(t *testing.T, maxBufferSize int64, draining bool) (*aggregator.Engine, *sink.Capture, string) {
	t.Helper()

	log := newTestLogger()
	capture := sink.NewCapture()
	engine, err := aggregator.New(aggregator.Config{Logger: log, Sink: capture, MaxBufferSize: maxBufferSize})
	require.NoError(t, err)

	h, err := server.NewHandler(log, server.Config{Engine: engine}, func() bool { return draining })
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return engine, capture, srv.URL
}

func TestAggregator_Client_NewClient_OptionsApplied(t *testing.T) {
	t.Parallel()

	hc := &http.Client{Timeout: 123 * time.Millisecond}
	c, err := NewClient("127.0.0.1:8000/", WithHTTPClient(hc))
	require.NoError(t, err)

	require.Equal(t, "http://127.0.0.1:8000", c.BaseURL)
	require.Same(t, hc, c.HTTPClient)

	_, err = NewClient("")
	require.EqualError(t, err, "base url is required")
}

func TestAggregator_Client_PutRecord_BuffersAndFlushes(t *testing.T) {
	t.Parallel()

	engine, capture, url := startAggregator(t, 100, false)
	c, err := NewClient(url)
	require.NoError(t, err)

	ctx := context.Background()
	ehk := "h1"
	require.NoError(t, c.PutRecord(ctx, types.PutRecordRequest{
		StreamName: "s1", PartitionKey: "k1", ExplicitHashKey: &ehk, Data: types.Bytes("one"),
	}, 40))
	require.NoError(t, c.PutRecord(ctx, types.PutRecordRequest{
		StreamName: "s1", PartitionKey: "k2", Data: types.Bytes("two"),
	}, 40))
	require.Equal(t, 0, capture.Count())

	snap, ok := engine.Snapshot("s1")
	require.True(t, ok)
	require.Equal(t, int64(80), snap.CurrentSize)

	require.NoError(t, c.PutRecord(ctx, types.PutRecordRequest{
		StreamName: "s1", PartitionKey: "k1", Data: types.Bytes("three"),
	}, 20))

	msgs := capture.Messages("s1")
	require.Len(t, msgs, 1)
	m, err := wire.Unmarshal(msgs[0])
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, m.PartitionKeyTable)
	require.Equal(t, []string{"h1"}, m.ExplicitHashKeyTable)
	require.Len(t, m.Records, 3)
	require.Equal(t, []byte("three"), m.Records[2].Data)
}

func TestAggregator_Client_PutRecord_NegativeSizeUsesBodyLength(t *testing.T) {
	t.Parallel()

	var gotSize string
	hc := &http.Client{Transport: rtFunc(func(r *http.Request) (*http.Response, error) {
		gotSize = r.Header.Get(types.RequestSizeHeader)
		require.Equal(t, types.AddPath, r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, strconv.FormatInt(r.ContentLength, 10), gotSize)
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Header: http.Header{}}, nil
	})}

	c, err := NewClient("http://aggregator", WithHTTPClient(hc))
	require.NoError(t, err)
	require.NoError(t, c.PutRecord(context.Background(), types.PutRecordRequest{
		StreamName: "s1", PartitionKey: "k1", Data: types.Bytes{1, 2, 3},
	}, -1))
	require.NotEmpty(t, gotSize)
}

func TestAggregator_Client_PutRecord_ValidationErrorDecoded(t *testing.T) {
	t.Parallel()

	_, capture, url := startAggregator(t, 100, false)
	c, err := NewClient(url)
	require.NoError(t, err)

	err = c.PutRecord(context.Background(), types.PutRecordRequest{PartitionKey: "k1"}, 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "stream_name is required", apiErr.Message)
	require.Equal(t, 0, capture.Count())
}

func TestAggregator_Client_PutRecord_NonJSONErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	err = c.PutRecord(context.Background(), types.PutRecordRequest{StreamName: "s1", PartitionKey: "k1"}, 1)
	require.EqualError(t, err, "aggregator request failed: status=502 error=upstream unavailable")
}

func TestAggregator_Client_PutRecord_TransportError(t *testing.T) {
	t.Parallel()

	hc := &http.Client{Transport: rtFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	c, err := NewClient("http://aggregator", WithHTTPClient(hc))
	require.NoError(t, err)

	err = c.PutRecord(context.Background(), types.PutRecordRequest{StreamName: "s1", PartitionKey: "k1"}, 1)
	require.ErrorContains(t, err, "connection refused")
}

func TestAggregator_Client_Ready(t *testing.T) {
	t.Parallel()

	_, _, url := startAggregator(t, 100, false)
	c, err := NewClient(url)
	require.NoError(t, err)
	ready, err := c.Ready(context.Background())
	require.NoError(t, err)
	require.True(t, ready)

	_, _, url = startAggregator(t, 100, true)
	c, err = NewClient(url)
	require.NoError(t, err)
	ready, err = c.Ready(context.Background())
	require.NoError(t, err)
	require.False(t, ready)
}
