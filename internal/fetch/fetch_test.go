package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ delays []time.Duration }

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func flaky(failures int32, failStatus int) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failures {
			w.WriteHeader(failStatus)
			return
		}
		_, _ = w.Write([]byte(`[{"Freq":50}]`))
	}))
	return srv, &calls
}

func TestDelayIsCappedExponential(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 32*time.Second, p.Delay(5))
	assert.Equal(t, time.Minute, p.Delay(6))
	assert.Equal(t, time.Minute, p.Delay(80))
}

func TestRecoversBeforeExhaustion(t *testing.T) {
	srv, calls := flaky(3, http.StatusBadGateway)
	defer srv.Close()
	rec := &recorder{}
	f := New(DefaultRetryPolicy())
	f.sleep = rec.sleep

	p, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 4, p.Attempts)
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, `[{"Freq":50}]`, string(p.Body))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestExhaustsRetries(t *testing.T) {
	srv, calls := flaky(100, http.StatusServiceUnavailable)
	defer srv.Close()
	rec := &recorder{}
	f := New(DefaultRetryPolicy())
	f.sleep = rec.sleep

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Exhausted)
	assert.True(t, fe.Transient)
	assert.Equal(t, 5, fe.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.EqualValues(t, 5, calls.Load())
	assert.Len(t, rec.delays, 4, "no sleep after the final attempt")
}

func TestTransportErrorIsRetried(t *testing.T) {
	srv, _ := flaky(0, 0)
	url := srv.URL
	srv.Close()
	f := New(RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Cap: time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{URL: url})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Exhausted)
	assert.Equal(t, 0, fe.Status)
}

func TestEmptyBodyIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	p, err := New(DefaultRetryPolicy()).Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Empty(t, p.Body)
	assert.Equal(t, 1, p.Attempts)
}

func TestCancelStopsRetrying(t *testing.T) {
	srv, calls := flaky(100, http.StatusInternalServerError)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	f := New(DefaultRetryPolicy())
	f.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := f.Fetch(ctx, Request{URL: srv.URL})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.EqualValues(t, 1, calls.Load())
}

func TestPostWithHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()
	f := New(DefaultRetryPolicy(), WithRateLimit(100), WithTimeout(5*time.Second))
	p, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost, URL: srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
		Body:    []byte(`{"StateCode":"RJ"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"StateCode":"RJ"}`, string(p.Body))
}

func TestBadURLIsNotRetried(t *testing.T) {
	rec := &recorder{}
	f := New(DefaultRetryPolicy())
	f.sleep = rec.sleep
	_, err := f.Fetch(context.Background(), Request{URL: "://bad"})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Exhausted)
	assert.Empty(t, rec.delays)
}

func TestOversizedBodyFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[{"Freq":50},{"Freq":49}]`))
	}))
	defer srv.Close()

	rec := &recorder{}
	f := New(DefaultRetryPolicy(), WithMaxBody(8))
	f.sleep = rec.sleep
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.ErrorIs(t, err, ErrBodyTooLarge)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Exhausted)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.delays)

	f = New(DefaultRetryPolicy(), WithMaxBody(int64(len(`[{"Freq":50},{"Freq":49}]`))))
	p, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, p.Body, len(`[{"Freq":50},{"Freq":49}]`))
}
