package threatintel

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Client is one external reputation provider.
type Client interface {
	Name() string
	Lookup(ctx context.Context, indicator string) (*Verdict, error)
}

// Enricher looks up network indicators extracted from events against the
// configured providers, caching results. A malicious verdict raises the
// event's risk and records the providers' answers as enrichment data.
type Enricher struct {
	cache         *Cache
	clients       []Client
	ttl           time.Duration
	timeout       time.Duration
	retryAttempts int
	backoff       time.Duration
	logger        *zap.Logger
}

func NewEnricher(cache *Cache, clients []Client, ttl, timeout time.Duration, retryAttempts int, logger *zap.Logger) *Enricher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Enricher{
		cache:         cache,
		clients:       clients,
		ttl:           ttl,
		timeout:       timeout,
		retryAttempts: retryAttempts,
		backoff:       time.Second,
		logger:        logger,
	}
}

// Enrich resolves the event's source IP against every provider. Provider
// failures degrade to no enrichment; they never fail the event.
func (e *Enricher) Enrich(ctx context.Context, se *event.SecurityEvent) {
	if se == nil || se.Log == nil || len(e.clients) == 0 {
		return
	}
	indicator := event.ExtractSourceIP(se.Log.Message)
	if indicator == "" {
		return
	}

	var verdicts []*Verdict
	for _, client := range e.clients {
		v, err := e.resolve(ctx, client, indicator)
		if err != nil {
			e.logger.Warn("threat intel lookup failed",
				zap.String("source", client.Name()),
				zap.String("indicator", indicator),
				zap.Error(err))
			continue
		}
		verdicts = append(verdicts, v)
	}
	if len(verdicts) == 0 {
		return
	}

	malicious := false
	for _, v := range verdicts {
		if v.Malicious {
			malicious = true
			break
		}
	}
	if malicious {
		se.Risk = se.Risk.AtLeast(event.RiskHigh)
		se.BoostConfidence(10, 100)
		se.AddActions("Block the source address at the perimeter")
	}

	if data, err := json.Marshal(verdicts); err == nil {
		se.EnrichmentData = string(data)
	}
}

// resolve answers from cache when possible, otherwise queries the provider
// with a per-call deadline and bounded exponential retries.
func (e *Enricher) resolve(ctx context.Context, client Client, indicator string) (*Verdict, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(indicator, client.Name()); ok {
			return v, nil
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		v, err := client.Lookup(callCtx, indicator)
		cancel()

		if err == nil {
			if e.cache != nil {
				e.cache.Set(v, e.ttl)
			}
			return v, nil
		}
		lastErr = err

		if attempt >= e.retryAttempts || !errors.IsRetryable(err) {
			return nil, lastErr
		}
		select {
		case <-time.After(time.Duration(1<<uint(attempt)) * e.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
