package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orgchat/chatcore/internal/as"
)

type fakeTokenSource struct {
	mu       sync.Mutex
	calls    int32
	token    string
	expires  int64
	err      error
	onBefore func()
}

func (f *fakeTokenSource) Token(ctx context.Context, clientID, clientSecret, scope string) (*as.TokenResponse, error) {
	if f.onBefore != nil {
		f.onBefore()
	}
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &as.TokenResponse{AccessToken: f.token, ExpiresIn: f.expires}, nil
}

func TestGetServiceTokenAcquiresOnFirstCall(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: "tok-1", expires: 3600}
	m := New(src, "client", "secret", "chat:admin")

	tok, err := m.GetServiceToken(context.Background())
	if err != nil {
		t.Fatalf("GetServiceToken() error = %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want %q", tok, "tok-1")
	}
	if atomic.LoadInt32(&src.calls) != 1 {
		t.Errorf("calls = %d, want 1", src.calls)
	}
}

func TestGetServiceTokenReusesUnexpiredToken(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: "tok-1", expires: 3600}
	m := New(src, "client", "secret", "chat:admin")

	for i := 0; i < 3; i++ {
		if _, err := m.GetServiceToken(context.Background()); err != nil {
			t.Fatalf("GetServiceToken() error = %v", err)
		}
	}

	if atomic.LoadInt32(&src.calls) != 1 {
		t.Errorf("calls = %d, want 1 (cached token should be reused)", src.calls)
	}
}

func TestGetServiceTokenRefreshesWithinMargin(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{token: "tok-1", expires: 60} // expires in 1 minute, under the 5-minute margin
	m := New(src, "client", "secret", "chat:admin")

	if _, err := m.GetServiceToken(context.Background()); err != nil {
		t.Fatalf("GetServiceToken() error = %v", err)
	}

	src.token = "tok-2"
	src.expires = 3600
	tok, err := m.GetServiceToken(context.Background())
	if err != nil {
		t.Fatalf("GetServiceToken() error = %v", err)
	}
	if tok != "tok-2" {
		t.Errorf("token = %q, want %q (should refresh since within margin)", tok, "tok-2")
	}
	if atomic.LoadInt32(&src.calls) != 2 {
		t.Errorf("calls = %d, want 2", src.calls)
	}
}

func TestGetServiceTokenCoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var started int32
	src := &fakeTokenSource{
		token:   "tok-1",
		expires: 3600,
		onBefore: func() {
			atomic.AddInt32(&started, 1)
			<-release
		},
	}
	m := New(src, "client", "secret", "chat:admin")

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetServiceToken(context.Background())
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&src.calls) != 1 {
		t.Errorf("calls = %d, want 1 (concurrent callers should coalesce via singleflight)", src.calls)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d error = %v", i, err)
		}
		if results[i] != "tok-1" {
			t.Errorf("caller %d token = %q, want %q", i, results[i], "tok-1")
		}
	}
}

func TestGetServiceTokenPropagatesAcquisitionError(t *testing.T) {
	t.Parallel()
	src := &fakeTokenSource{err: context.DeadlineExceeded}
	m := New(src, "client", "secret", "chat:admin")

	_, err := m.GetServiceToken(context.Background())
	if err == nil {
		t.Fatal("GetServiceToken() error = nil, want non-nil")
	}
}
