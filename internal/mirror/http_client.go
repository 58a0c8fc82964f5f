package mirror

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/imroc/req/v3"
)

// RemoteFileState is the metadata a server reports for a file without
// sending its body.
type RemoteFileState struct {
	// ContentLength is nil if the server does not advertise a length.
	ContentLength *uint64
	// LastModified is zero if the server sends no Last-Modified header.
	LastModified time.Time
}

// Fetcher is the transport used by the syncers.
//
// Errors returned by a Fetcher are marked with ErrTransport, or with
// ErrFilesystem when the local write failed.
type Fetcher interface {
	// Fetch writes the body of u to dst, truncating any previous content,
	// and sets the modification time of dst to the remote Last-Modified.
	Fetch(ctx context.Context, u, dst string) error
	// Probe returns remote metadata of u.
	Probe(ctx context.Context, u string) (*RemoteFileState, error)
	// Get returns the body of u.
	Get(ctx context.Context, u string) ([]byte, error)
}

// HTTPClient is the Fetcher used against real channels.
type HTTPClient struct {
	client      *req.Client
	readTimeout time.Duration
	speedLimit  int64
	speedTime   time.Duration
}

var _ Fetcher = (*HTTPClient)(nil)

// NewHTTPClient creates a client with transport level retries, a connect
// timeout and the minimum speed guard configured by hc.
//
// The client has no whole-request timeout.  Probe and Get bound each
// request with the read timeout; Fetch is only aborted by the speed guard.
func NewHTTPClient(hc *HTTPConfig) *HTTPClient {
	dialer := &net.Dialer{
		Timeout:   hc.ConnectTimeout.Duration,
		KeepAlive: 30 * time.Second,
	}

	client := req.C().
		SetTimeout(0).
		SetUserAgent(hc.UserAgent).
		SetDial(dialer.DialContext).
		SetTLSHandshakeTimeout(hc.ConnectTimeout.Duration).
		SetCommonRetryCount(hc.Retries).
		SetCommonRetryBackoffInterval(500*time.Millisecond, 10*time.Second).
		SetCommonRetryCondition(retryable).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			attrs := []any{"error", err}
			if resp != nil && resp.Response != nil {
				attrs = append(attrs, "status", resp.StatusCode)
			}
			slog.Debug("retrying request", attrs...)
		})

	return &HTTPClient{
		client:      client,
		readTimeout: hc.ConnectTimeout.Duration + hc.ReadTimeout.Duration,
		speedLimit:  hc.SpeedLimit,
		speedTime:   hc.SpeedTime.Duration,
	}
}

// retryable reports transient failures: network errors, 408, 429 and 5xx.
func retryable(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil || resp.Response == nil {
		return false
	}
	switch code := resp.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

func checkStatus(resp *req.Response, method, u string) error {
	if resp.IsSuccessState() {
		return nil
	}
	return errors.Mark(errors.Newf("%s %s: status %d", method, u, resp.GetStatusCode()), ErrTransport)
}

// Fetch implements Fetcher.
func (h *HTTPClient) Fetch(ctx context.Context, u, dst string) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := h.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(u)
	if err != nil {
		return transportError(err, "GET %s", u)
	}
	defer closeRespBody(resp.Body)

	if err := checkStatus(resp, http.MethodGet, u); err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) // #nosec G304 - dst is a path inside the mirror tree
	if err != nil {
		return filesystemError(err, "Fetch")
	}

	body := &countingReader{r: resp.Body}
	if h.speedLimit > 0 && h.speedTime > 0 {
		go watchSpeed(ctx, cancel, body, h.speedLimit, h.speedTime)
	}

	n, copyErr := io.Copy(f, body)
	if copyErr == nil {
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			copyErr = io.ErrUnexpectedEOF
		}
	}
	if copyErr != nil {
		f.Close()
		if errors.Is(context.Cause(ctx), ErrStalled) {
			return errors.Mark(errors.Wrapf(ErrStalled, "GET %s: below %d bytes/s for %s", u, h.speedLimit, h.speedTime), ErrTransport)
		}
		return transportError(copyErr, "GET %s: read body", u)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return filesystemError(err, "Fetch: sync")
	}
	if err := f.Close(); err != nil {
		return filesystemError(err, "Fetch: close")
	}

	if lm := resp.GetHeader("Last-Modified"); lm != "" {
		mtime, err := http.ParseTime(lm)
		if err != nil {
			slog.Warn("invalid Last-Modified header", "url", u, "value", lm)
			return nil
		}
		if err := os.Chtimes(dst, mtime, mtime); err != nil {
			return filesystemError(err, "Fetch: chtimes")
		}
	}
	return nil
}

// Probe implements Fetcher.
func (h *HTTPClient) Probe(ctx context.Context, u string) (*RemoteFileState, error) {
	ctx, cancel := context.WithTimeout(ctx, h.readTimeout)
	defer cancel()

	resp, err := h.client.R().SetContext(ctx).Head(u)
	if err != nil {
		return nil, transportError(err, "HEAD %s", u)
	}
	if err := checkStatus(resp, http.MethodHead, u); err != nil {
		return nil, err
	}

	st := &RemoteFileState{}
	if resp.ContentLength >= 0 {
		n := uint64(resp.ContentLength)
		st.ContentLength = &n
	}
	if lm := resp.GetHeader("Last-Modified"); lm != "" {
		mtime, err := http.ParseTime(lm)
		if err != nil {
			slog.Warn("invalid Last-Modified header", "url", u, "value", lm)
		} else {
			st.LastModified = mtime
		}
	}
	return st, nil
}

// Get implements Fetcher.
func (h *HTTPClient) Get(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.readTimeout)
	defer cancel()

	resp, err := h.client.R().SetContext(ctx).Get(u)
	if err != nil {
		return nil, transportError(err, "GET %s", u)
	}
	if err := checkStatus(resp, http.MethodGet, u); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// countingReader counts bytes read so far; the count may be read
// concurrently by watchSpeed.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// watchSpeed cancels ctx with ErrStalled when fewer than limit*period
// bytes arrive during any period.
func watchSpeed(ctx context.Context, cancel context.CancelCauseFunc, c *countingReader, limit int64, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	floor := int64(float64(limit) * period.Seconds())
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.n.Load()
			if cur-last < floor {
				cancel(ErrStalled)
				return
			}
			last = cur
		}
	}
}

// closeRespBody closes an HTTP response body.
func closeRespBody(body io.Closer) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
