package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorClassRetryable, "retryable"},
		{ErrorClassFatal, "fatal"},
		{ErrorClassUnknown, "unknown"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.class.String(); got != tt.want {
				t.Errorf("ErrorClass.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"permanent", Permanent(errors.New("bad range")), ErrorClassFatal},
		{"wrapped permanent", fmt.Errorf("extract: %w", Permanent(errors.New("bad range"))), ErrorClassFatal},
		{"canceled", context.Canceled, ErrorClassFatal},
		{"wrapped canceled", fmt.Errorf("run: %w", context.Canceled), ErrorClassFatal},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"401", errors.New("youtube upload: HTTP 401 Unauthorized"), ErrorClassFatal},
		{"403", errors.New("googleapi: Error 403: forbidden"), ErrorClassFatal},
		{"invalid grant", errors.New("oauth2: invalid_grant"), ErrorClassFatal},
		{"missing token", errors.New("no youtube token stored"), ErrorClassFatal},
		{"404", errors.New("helix: 404 Not Found"), ErrorClassFatal},
		{"missing file", errors.New("open /data/vod.mp4: no such file or directory"), ErrorClassFatal},
		{"500", errors.New("HTTP 500 Internal Server Error"), ErrorClassRetryable},
		{"503 beats not found wording", errors.New("503 service unavailable: resource does not exist yet"), ErrorClassRetryable},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ErrorClassRetryable},
		{"ffmpeg crash", errors.New("ffmpeg: exit status 1: Conversion failed!"), ErrorClassRetryable},
		{"disk full under temp path", errors.New("exit status 1: /data/tmp/clip-tender-2614047719/clip-3f2a.mp4.part: No space left on device"), ErrorClassRetryable},
		{"io error under temp path", errors.New("exit status 1: /data/tmp/clip-tender-3311403998/clip-4013-a401.mp4.part: Input/output error"), ErrorClassRetryable},
		{"ffmpeg server 404", errors.New("ffmpeg: Server returned 404 Not Found"), ErrorClassFatal},
		{"rate limited", errors.New("helix: status 429: too many requests"), ErrorClassRetryable},
		{"googleapi 403", fmt.Errorf("upload: %w", &googleapi.Error{Code: 403, Message: "quotaExceeded"}), ErrorClassFatal},
		{"googleapi 503", fmt.Errorf("upload: %w", &googleapi.Error{Code: 503}), ErrorClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	base := errors.New("boom")
	p := Permanent(base)
	if !IsPermanent(p) {
		t.Error("IsPermanent = false for marked error")
	}
	if !errors.Is(p, base) {
		t.Error("Permanent should unwrap to the original error")
	}
	if p.Error() != "boom" {
		t.Errorf("message = %q, want boom", p.Error())
	}
	if IsPermanent(base) {
		t.Error("IsPermanent = true for unmarked error")
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}.normalized()
	transient := errors.New("connection reset")
	if !p.ShouldRetry(1, transient) || !p.ShouldRetry(2, transient) {
		t.Error("attempts 1 and 2 should retry")
	}
	if p.ShouldRetry(3, transient) {
		t.Error("attempt 3 of 3 must not retry")
	}
	if p.ShouldRetry(1, Permanent(transient)) {
		t.Error("permanent errors must not retry")
	}
}

func TestRetryPolicyNormalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	d := DefaultRetryPolicy()
	if p != d {
		t.Errorf("normalized zero policy = %+v, want %+v", p, d)
	}
	p = RetryPolicy{MaxAttempts: 1, InitialBackoff: 10 * d.InitialBackoff, MaxBackoff: d.InitialBackoff}.normalized()
	if p.MaxBackoff != p.InitialBackoff {
		t.Errorf("MaxBackoff = %v, want raised to %v", p.MaxBackoff, p.InitialBackoff)
	}
	if p.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", p.MaxAttempts)
	}
}

func TestRetryBackOffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100, MaxBackoff: 400, Multiplier: 2, Jitter: 0}.normalized()
	bo := p.newBackOff()
	want := []int64{100, 200, 400, 400}
	for i, w := range want {
		if got := int64(bo.NextBackOff()); got != w {
			t.Errorf("step %d: backoff = %d, want %d", i, got, w)
		}
	}
}
