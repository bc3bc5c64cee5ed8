package middleware

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nodelink/channel"
	"nodelink/codec"
	"nodelink/message"
)

var nop = zerolog.New(io.Discard)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) (*codec.Frame, error) {
	f := codec.NewFrame(1)
	f.PushU8(1)
	return f, nil
}

// 模拟一个慢 handler：睡 200ms，遵守 ctx
func slowHandler(ctx context.Context, req *message.Request) (*codec.Frame, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return codec.NewFrame(0), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// 前 n 次失败，之后成功
func flakyHandler(n int, err error) (HandlerFunc, *int) {
	calls := 0
	return func(ctx context.Context, req *message.Request) (*codec.Frame, error) {
		calls++
		if calls <= n {
			return nil, err
		}
		return echoHandler(ctx, req)
	}, &calls
}

func testRequest() *message.Request {
	return &message.Request{Node: 3, Module: "otap", Name: "run", Tag: message.TagMethod}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(&nop)(echoHandler)

	resp, err := handler(context.Background(), testRequest())
	if err != nil || resp == nil {
		t.Fatalf("expect response, got %v", err)
	}
	if v, _ := resp.PopU8(); v != 1 {
		t.Fatalf("expect payload 1, got %d", v)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), testRequest()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), testRequest())
	if !errors.Is(err, channel.ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", err)
	}
}

func TestRetryRecovers(t *testing.T) {
	h, calls := flakyHandler(2, channel.ErrTimeout)
	handler := RetryMiddleware(5, time.Millisecond, &nop)(h)

	if _, err := handler(context.Background(), testRequest()); err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if *calls != 3 {
		t.Fatalf("expect 3 attempts, got %d", *calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	h, calls := flakyHandler(100, channel.ErrChannelBusy)
	handler := RetryMiddleware(3, time.Millisecond, nil)(h)

	if _, err := handler(context.Background(), testRequest()); !errors.Is(err, channel.ErrChannelBusy) {
		t.Fatalf("expect ErrChannelBusy, got %v", err)
	}
	if *calls != 4 {
		t.Fatalf("expect 1 + 3 attempts, got %d", *calls)
	}
}

func TestRetrySkipsRemoteError(t *testing.T) {
	h, calls := flakyHandler(1, &message.RemoteError{Status: message.StatusNoSuchMethod})
	handler := RetryMiddleware(3, time.Millisecond, nil)(h)

	var re *message.RemoteError
	if _, err := handler(context.Background(), testRequest()); !errors.As(err, &re) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("remote errors must not be retried, got %d attempts", *calls)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2, false)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), testRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(context.Background(), testRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{channel.ErrTimeout, "timeout"},
		{channel.ErrChannelBusy, "busy"},
		{&message.RemoteError{Status: 1}, "remote_error"},
		{context.Canceled, "canceled"},
		{io.ErrUnexpectedEOF, "error"},
	}
	for _, tc := range cases {
		if got := Outcome(tc.err); got != tc.want {
			t.Errorf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Metrics + Timeout，验证请求能正常穿过
	chained := Chain(LoggingMiddleware(&nop), MetricsMiddleware(), TimeOutMiddleware(500*time.Millisecond))
	handler := chained(echoHandler)

	resp, err := handler(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
}
