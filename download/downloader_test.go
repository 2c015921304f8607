package download

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := &Result{Key: "a1/a1.wacz", Size: 4}

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "http://x/a1.wacz", func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "download func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Key, results[i].Key)
	}
}

func TestDo_CallerTimeoutDoesNotCancelOthers(t *testing.T) {
	d := New()

	var completed atomic.Bool
	started := make(chan struct{})

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	go func() {
		_, _, _ = d.Do(shortCtx, "slow", func(ctx context.Context) (*Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			completed.Store(true)
			return &Result{Key: "slow.wacz"}, nil
		})
	}()
	<-started

	result, shared, err := d.Do(context.Background(), "slow", func(ctx context.Context) (*Result, error) {
		t.Fatal("download already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, "slow.wacz", result.Key)
	require.True(t, completed.Load())
}

func TestDo_FailureIsForgotten(t *testing.T) {
	d := New()
	upstreamErr := errors.New("upstream unavailable")

	_, _, err := d.Do(context.Background(), "flaky", func(ctx context.Context) (*Result, error) {
		return nil, upstreamErr
	})
	require.ErrorIs(t, err, upstreamErr)

	var retried atomic.Bool
	result, _, err := d.Do(context.Background(), "flaky", func(ctx context.Context) (*Result, error) {
		retried.Store(true)
		return &Result{Key: "flaky.wacz"}, nil
	})
	require.NoError(t, err)
	require.True(t, retried.Load())
	require.Equal(t, "flaky.wacz", result.Key)
}

func TestForget_StartsNewDownload(t *testing.T) {
	d := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _, _ = d.Do(context.Background(), "c1", func(ctx context.Context) (*Result, error) {
			close(started)
			<-release
			return &Result{Key: "old"}, nil
		})
	}()
	<-started
	d.Forget("c1")

	result, shared, err := d.Do(context.Background(), "c1", func(ctx context.Context) (*Result, error) {
		return &Result{Key: "new"}, nil
	})
	close(release)
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "new", result.Key)
}

func TestHandleDownloadError(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/?waczArchive=a1", nil)
	HandleDownloadError(rec, r, logger, errors.New("dial tcp: connection refused"))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Error fetching content: dial tcp: connection refused\n", rec.Body.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec = httptest.NewRecorder()
	HandleDownloadError(rec, r.WithContext(ctx), logger, ctx.Err())
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
