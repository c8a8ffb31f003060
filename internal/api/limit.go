package api

import (
	"context"
	"sync"

	"github.com/matheus3301/huddle/internal/metrics"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// limitedMethods are the user actions that write to the remote store.
var limitedMethods = map[string]bool{
	FullMethod(ConversationServiceName, "Send"):    true,
	FullMethod(ConversationServiceName, "Reply"):   true,
	FullMethod(ConversationServiceName, "Resend"):  true,
	FullMethod(ConversationServiceName, "Edit"):    true,
	FullMethod(ConversationServiceName, "Delete"):  true,
	FullMethod(ConversationServiceName, "Pin"):     true,
	FullMethod(ConversationServiceName, "React"):   true,
	FullMethod(ConversationServiceName, "Unreact"): true,
	FullMethod(PresenceServiceName, "SetStatus"):   true,
}

// LimiterPool keeps one token bucket per method.
type LimiterPool struct {
	rps   float64
	burst int

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

// NewLimiterPool creates a pool. Non-positive values select 10 rps, burst 20.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &LimiterPool{rps: rps, burst: burst, m: make(map[string]*rate.Limiter)}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// Allow takes a token for key.
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// RateLimit returns a unary interceptor that rejects user actions beyond
// the pool's rate with codes.ResourceExhausted.
func RateLimit(p *LimiterPool, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limitedMethods[info.FullMethod] && !p.Allow(info.FullMethod) {
			m.RateLimited(info.FullMethod)
			return nil, grpcstatus.Errorf(codes.ResourceExhausted, "too many requests to %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}
