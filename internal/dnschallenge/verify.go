package dnschallenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Both lookup misses and token mismatches are retryable while DNS
// propagates; callers distinguish them only for logging and attempt
// accounting.
var (
	ErrRecordNotFound = errors.New("dnschallenge: challenge record not found")
	ErrTokenMismatch  = errors.New("dnschallenge: txt value does not match token")
)

// Resolver is the single DNS operation the verifier needs; wrapped so tests
// inject fakes.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// NetResolver adapts the stdlib resolver.
type NetResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewNetResolver returns a resolver with a per-lookup timeout.
func NewNetResolver(timeout time.Duration) *NetResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NetResolver{resolver: net.DefaultResolver, timeout: timeout}
}

// LookupTXT queries TXT records for name.
func (r *NetResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.resolver.LookupTXT(ctx, name)
}

// Verifier checks published challenge records against stored tokens.
type Verifier struct {
	resolver Resolver
	prefix   string
	logger   *slog.Logger
}

// NewVerifier constructs a Verifier with the configured record prefix.
func NewVerifier(resolver Resolver, prefix string, logger *slog.Logger) *Verifier {
	return &Verifier{resolver: resolver, prefix: prefix, logger: logger}
}

// Verify looks up the challenge TXT record for domain and compares it to
// token. NXDOMAIN, timeouts and propagation gaps return ErrRecordNotFound;
// a published but wrong value returns ErrTokenMismatch.
func (v *Verifier) Verify(ctx context.Context, domain, token string) error {
	name := RecordName(v.prefix, domain)
	values, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		v.logger.Debug("challenge lookup failed", "record", name, "error", err)
		return ErrRecordNotFound
	}
	if len(values) == 0 {
		return ErrRecordNotFound
	}
	for _, value := range values {
		if subtle.ConstantTimeCompare([]byte(value), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrTokenMismatch
}
