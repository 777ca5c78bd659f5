package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/hyperengineering/deltasync/internal/config"
)

// DryRunPrefix marks placeholder ids produced without calling the service.
const DryRunPrefix = "dry-run:"

// maxBodyCapture bounds request and response bodies kept for the ledger.
const maxBodyCapture = 64 << 10

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	URL            string
	Token          string
	APIVersion     string
	BoardID        string
	SubitemBoardID string
	Timeout        time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	TransportDelay time.Duration
	MaxInFlight    int
	ChunkSize      int
}

// OptionsFromConfig converts the external service configuration.
func OptionsFromConfig(cfg config.ExternalConfig) Options {
	return Options{
		URL:            cfg.APIURL,
		Token:          cfg.APIToken,
		APIVersion:     cfg.APIVersion,
		BoardID:        cfg.BoardID,
		SubitemBoardID: cfg.SubitemBoardID,
		Timeout:        time.Duration(cfg.Timeout),
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      time.Duration(cfg.BaseDelay),
		MaxDelay:       time.Duration(cfg.MaxDelay),
		TransportDelay: time.Duration(cfg.TransportDelay),
		MaxInFlight:    cfg.MaxInFlight,
		ChunkSize:      cfg.ChunkSize,
	}
}

// Client executes batched mutations against the board service.
// It is safe for concurrent use; MaxInFlight bounds concurrent requests
// across all callers.
type Client struct {
	opts Options
	http Doer
	sem  *semaphore.Weighted
}

// NewClient creates a client. A nil doer uses an http.Client with the
// configured timeout.
func NewClient(opts Options, doer Doer) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 25
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.TransportDelay <= 0 {
		opts.TransportDelay = opts.BaseDelay
	}
	if doer == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		opts: opts,
		http: doer,
		sem:  semaphore.NewWeighted(int64(opts.MaxInFlight)),
	}
}

// BoardID returns the board the client writes to.
func (c *Client) BoardID() string {
	return c.opts.BoardID
}

// boardFor returns the board a mutation kind is addressed to. Sub-items live
// on their own board when SubitemBoardID is set.
func (c *Client) boardFor(kind Kind) string {
	if kind == KindUpdateSubitem && c.opts.SubitemBoardID != "" {
		return c.opts.SubitemBoardID
	}
	return c.opts.BoardID
}

// ExecuteResult is the outcome of one Execute call. Results are in input
// order, one per operation.
type ExecuteResult struct {
	Kind     Kind
	Results  []Result
	Payloads []string
	Attempts int
}

// Succeeded returns the results that carry an external id.
func (r *ExecuteResult) Succeeded() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.OK {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the results without an external id.
func (r *ExecuteResult) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK {
			out = append(out, res)
		}
	}
	return out
}

// Partial reports whether some but not all operations succeeded.
func (r *ExecuteResult) Partial() bool {
	ok := len(r.Succeeded())
	return ok > 0 && ok < len(r.Results)
}

// Execute writes ops in chunks of at most ChunkSize aliases. It never returns
// an error: failures are reported per operation. In dry-run mode the request
// bodies are built and returned without any network call, and every operation
// succeeds with a placeholder id.
func (c *Client) Execute(ctx context.Context, kind Kind, ops []Operation, dryRun bool) *ExecuteResult {
	res := &ExecuteResult{Kind: kind, Results: make([]Result, 0, len(ops))}
	boardID := c.boardFor(kind)

	for start := 0; start < len(ops); start += c.opts.ChunkSize {
		end := min(start+c.opts.ChunkSize, len(ops))
		chunk := ops[start:end]

		if dryRun {
			body, err := BuildRequest(kind, boardID, chunk)
			if err != nil {
				for i, op := range chunk {
					res.Results = append(res.Results, Result{Index: start + i, Key: op.Key, Error: err.Error()})
				}
				continue
			}
			res.Payloads = append(res.Payloads, string(body))
			for i, op := range chunk {
				res.Results = append(res.Results, Result{
					Index:      start + i,
					Key:        op.Key,
					ExternalID: DryRunPrefix + Alias(start+i),
					OK:         true,
				})
			}
			continue
		}

		chunkResults, attempts := c.send(ctx, kind, boardID, chunk)
		res.Attempts += attempts
		for _, r := range chunkResults {
			r.Index += start
			res.Results = append(res.Results, r)
		}
	}
	return res
}

// errRateLimited marks a throttled attempt; wait is the delay the service asked for.
type errRateLimited struct {
	status int
	wait   time.Duration
}

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.status)
}

// errTransport marks a failure to reach the service.
type errTransport struct{ err error }

func (e *errTransport) Error() string { return "transport: " + e.err.Error() }
func (e *errTransport) Unwrap() error { return e.err }

// send posts one chunk with retries. Ids decoded from any response, throttled
// or not, are kept; a retry resends only the operations still lacking an id.
func (c *Client) send(ctx context.Context, kind Kind, boardID string, ops []Operation) ([]Result, int) {
	results := make([]Result, len(ops))
	pending := make([]int, len(ops))
	for i, op := range ops {
		results[i] = Result{Index: i, Key: op.Key}
		pending[i] = i
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return failPending(results, pending, fmt.Sprintf("acquire request slot: %v", err), "", ""), 0
	}
	defer c.sem.Release(1)

	var (
		last     error
		attempts int
		reqBody  []byte
		respBody []byte
	)

	expo := retry.WithJitterPercent(20, retry.WithCappedDuration(c.opts.MaxDelay, retry.NewExponential(c.opts.BaseDelay)))
	constant := retry.NewConstant(c.opts.TransportDelay)
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		var rl *errRateLimited
		var te *errTransport
		switch {
		case errors.As(last, &rl) && rl.wait > 0:
			expo.Next()
			return min(rl.wait, c.opts.MaxDelay), false
		case errors.As(last, &te):
			return constant.Next()
		}
		return expo.Next()
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		sub := make([]Operation, len(pending))
		for j, i := range pending {
			sub[j] = ops[i]
		}
		body, err := BuildRequest(kind, boardID, sub)
		if err != nil {
			last = err
			return err
		}

		attempts++
		reqBody = body
		b, err := c.post(ctx, body)
		last = err
		respBody = b

		var rl *errRateLimited
		if b != nil && (err == nil || errors.As(err, &rl)) {
			remaining := pending[:0:0]
			for j, d := range decodeResults(b, sub) {
				i := pending[j]
				if d.OK {
					results[i].ExternalID, results[i].OK, results[i].Error = d.ExternalID, true, ""
					continue
				}
				results[i].Error = d.Error
				remaining = append(remaining, i)
			}
			pending = remaining
		}

		if err == nil || len(pending) == 0 {
			return nil
		}
		var te *errTransport
		if errors.As(err, &rl) || errors.As(err, &te) {
			slog.Warn("board request failed, retrying",
				"component", "board",
				"kind", kind,
				"attempt", attempts,
				"pending", len(pending),
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})

	msg := ""
	if err != nil {
		msg = err.Error()
		slog.Error("board request failed",
			"component", "board",
			"kind", kind,
			"attempts", attempts,
			"records", len(pending),
			"error", err,
		)
	}
	return failPending(results, pending, msg, capture(reqBody), capture(respBody)), attempts
}

// post sends one request. It returns errRateLimited or errTransport for
// retryable failures and a plain error for anything else.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.opts.Token)
	if c.opts.APIVersion != "" {
		req.Header.Set("API-Version", c.opts.APIVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errTransport{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errTransport{err: err}
	}

	limited, wait := rateLimited(respBody)
	if ra := retryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		wait = ra
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || limited {
		return respBody, &errRateLimited{status: resp.StatusCode, wait: wait}
	}
	if resp.StatusCode >= 400 {
		return respBody, fmt.Errorf("board service returned status %d: %s", resp.StatusCode, capture(respBody))
	}
	return respBody, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// failPending marks the pending operations failed with the exchange that left
// them without an id. An empty msg keeps the per-operation error.
func failPending(results []Result, pending []int, msg, request, response string) []Result {
	for _, i := range pending {
		results[i].OK = false
		results[i].ExternalID = ""
		if msg != "" {
			results[i].Error = msg
		}
		results[i].Request = request
		results[i].Response = response
	}
	return results
}

func capture(b []byte) string {
	if len(b) > maxBodyCapture {
		return string(b[:maxBodyCapture])
	}
	return string(b)
}
