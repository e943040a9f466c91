package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/antoniostano/cyclenlu/internal/observability"
)

// sharedCallTimeout bounds an upstream call that several callers may be
// waiting on. It is detached from any single caller's context.
const sharedCallTimeout = 30 * time.Second

// CachingClassifier memoizes replies for identical message and history
// pairs. Concurrent identical requests share one upstream call. Entries are
// stored serialized so cached results never share memory with callers.
type CachingClassifier struct {
	next    Classifier
	cache   *gocache.Cache
	group   singleflight.Group
	metrics *observability.Metrics
	timeout time.Duration
}

func NewCachingClassifier(next Classifier, ttl time.Duration, metrics *observability.Metrics) *CachingClassifier {
	return &CachingClassifier{
		next:    next,
		cache:   gocache.New(ttl, 2*ttl),
		metrics: metrics,
		timeout: sharedCallTimeout,
	}
}

func (c *CachingClassifier) Mode() string { return c.next.Mode() }

func (c *CachingClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)
	if v, ok := c.cache.Get(key); ok {
		c.count("hit")
		return decodeCached(v.([]byte))
	}
	c.count("miss")

	// Waiters return on their own ctx below; the shared call must not end
	// because the caller that started it gave up.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(detached, c.timeout)
		defer cancel()
		res, err := c.next.Classify(callCtx, req)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode cached result: %w", err)
		}
		c.cache.Set(key, data, gocache.DefaultExpiration)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return decodeCached(r.Val.([]byte))
	}
}

func (c *CachingClassifier) count(result string) {
	if c.metrics != nil {
		c.metrics.ClassifierCache.WithLabelValues(result).Inc()
	}
}

func decodeCached(data []byte) (Result, error) {
	var out Result
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("decode cached result: %w", err)
	}
	return out, nil
}

// cacheKey ignores the user ID: identical text in identical context gets the
// same classification.
func cacheKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Message))
	for _, m := range req.RecentHistory {
		h.Write([]byte{0})
		h.Write([]byte(m))
	}
	return hex.EncodeToString(h.Sum(nil))
}
