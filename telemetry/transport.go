package telemetry

import (
	"io"
	"net/http"
	"time"
)

// Upstream fetch outcomes recorded by InstrumentedTransport.
const (
	OutcomeSuccess  = "success"
	OutcomePartial  = "partial"
	OutcomeClient   = "4xx"
	OutcomeServer   = "5xx"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// InstrumentedTransport records one upstream fetch per round trip. Fetches
// made on behalf of an archive (see WithArchiveContext and SetArchive) are
// attributed to it. Ranged chunk fetches are counted as partial.
type InstrumentedTransport struct {
	base   http.RoundTripper
	source string
}

// NewInstrumentedTransport creates a transport whose fetches are labelled with source,
// e.g. "interceptor" or "loadworker". If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, source string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, source: source}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := OutcomeError
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		RecordUpstreamFetch(ctx, t.source, time.Since(start), 0, outcome)
		return nil, err
	}

	// HEAD probes and empty bodies are recorded straight away; there is
	// nothing for the caller to drain.
	if req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		RecordUpstreamFetch(ctx, t.source, time.Since(start), 0, fetchOutcome(resp.StatusCode))
		return resp, nil
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			RecordUpstreamFetch(ctx, t.source, time.Since(start), n, fetchOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return OutcomeServer
	case status >= 400:
		return OutcomeClient
	case status == http.StatusPartialContent:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

// countingBody reports the bytes read through it once, on the first Close.
type countingBody struct {
	io.ReadCloser
	n    int64
	done func(int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if b.done != nil {
		b.done(b.n)
		b.done = nil
	}
	return b.ReadCloser.Close()
}
