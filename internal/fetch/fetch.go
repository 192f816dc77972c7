// Package fetch retrieves raw upstream payloads with bounded retry.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBody bounds a response body; a larger one fails the fetch.
const DefaultMaxBody = 32 << 20

// ErrBodyTooLarge is returned, without retrying, for oversized responses.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Request describes one upstream call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Payload is an unmodified response body.
type Payload struct {
	Body      []byte
	Status    int
	Attempts  int
	FetchedAt time.Time
}

// RetryPolicy bounds the attempts of one fetch. MaxAttempts counts the first
// try; the delay after failed attempt n (from 0) is min(Cap, Base*2^n).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: time.Minute}
}

// Delay returns the wait after failed attempt n.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n > 30 {
		return p.Cap
	}
	d := p.Base * time.Duration(1<<n)
	if d > p.Cap || d <= 0 {
		return p.Cap
	}
	return d
}

// FetchError is returned when no attempt succeeded.
type FetchError struct {
	URL       string
	Attempts  int
	Status    int
	Transient bool
	Exhausted bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("fetch %s: exhausted after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs requests for one source. It is safe for concurrent use.
type Fetcher struct {
	client  *http.Client
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
	agent   string
	maxBody int64

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type Option func(*Fetcher)

func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithRateLimit caps request starts per second; zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(f *Fetcher) {
		if rps > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithLogger(l *slog.Logger) Option   { return func(f *Fetcher) { f.logger = l } }
func WithUserAgent(ua string) Option     { return func(f *Fetcher) { f.agent = ua } }
func WithTimeout(d time.Duration) Option { return func(f *Fetcher) { f.client.Timeout = d } }

// WithMaxBody overrides DefaultMaxBody; zero keeps the default.
func WithMaxBody(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func New(policy RetryPolicy, opts ...Option) *Fetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultRetryPolicy().Cap
	}
	f := &Fetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  policy,
		logger:  slog.Default(),
		agent:   "gridingest/1.0",
		maxBody: DefaultMaxBody,
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) Policy() RetryPolicy { return f.policy }

// Fetch runs req until a 2xx response or the policy is exhausted. Context
// cancellation ends retrying and is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Payload, error) {
	var lastErr error
	var status int
	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return Payload{}, err
			}
		}
		body, st, err := f.do(ctx, req)
		status = st
		if err == nil {
			return Payload{Body: body, Status: st, Attempts: attempt + 1, FetchedAt: f.now()}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Payload{}, ctxErr
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return Payload{}, &FetchError{URL: req.URL, Attempts: attempt + 1, Status: st, Err: perm.err}
		}
		if attempt+1 == f.policy.MaxAttempts {
			break
		}
		delay := f.policy.Delay(attempt)
		f.logger.Warn("fetch_retry", "url", req.URL, "attempt", attempt+1, "status", st, "delay", delay, "err", err)
		if err := f.sleep(ctx, delay); err != nil {
			return Payload{}, err
		}
	}
	return Payload{}, &FetchError{
		URL: req.URL, Attempts: f.policy.MaxAttempts, Status: status,
		Transient: true, Exhausted: true, Err: lastErr,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (f *Fetcher) do(ctx context.Context, r Request) ([]byte, int, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, 0, &permanentError{err: err}
	}
	req.Header.Set("User-Agent", f.agent)
	if len(r.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if int64(len(b)) > f.maxBody {
		return nil, resp.StatusCode, &permanentError{err: fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, f.maxBody)}
	}
	return b, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
