package cache

import (
	"fmt"
	"math"

	llmpkg "github.com/basui-dev/llmgateway/llm"
)

// FingerprintKeyStrategy implements the gateway's canonical cache key format:
//
//	{prefix}:cache:{model}:{H_messages}:{T_bucket}:{max_tokens}
//
// H_messages is a SHA-256 hash of the request's full message list,
// canonicalized the same way HashKeyStrategy hashes the request — this keeps
// two requests that differ only in fields the gateway doesn't fingerprint on
// (trace IDs, tenant metadata) mapped to the same cache entry.
type FingerprintKeyStrategy struct {
	Prefix string
}

// NewFingerprintKeyStrategy creates the strategy with the given key prefix
// (typically the deployment or tenant namespace, e.g. "llm" or "acme-prod").
func NewFingerprintKeyStrategy(prefix string) *FingerprintKeyStrategy {
	if prefix == "" {
		prefix = "llm"
	}
	return &FingerprintKeyStrategy{Prefix: prefix}
}

func (s *FingerprintKeyStrategy) Name() string {
	return "fingerprint"
}

// GenerateKey builds the fingerprint key for req.
func (s *FingerprintKeyStrategy) GenerateKey(req *llmpkg.ChatRequest) string {
	return Fingerprint(s.Prefix, req.Model, req.Messages, float64(req.Temperature), req.MaxTokens)
}

// Fingerprint computes the gateway's cache fingerprint directly from request
// fields, independent of any *llmpkg.ChatRequest instance — used both by the
// key strategy above and by callers (e.g. the routing agent) that need to
// compute a fingerprint before a ChatRequest has been fully constructed.
func Fingerprint(prefix, model string, messages []llmpkg.Message, temperature float64, maxTokens int) string {
	h := hashMessages(messages)
	bucket := TemperatureBucket(temperature)
	return fmt.Sprintf("%s:cache:%s:%s:%s:%d", prefix, model, h, bucket, maxTokens)
}

// TemperatureBucket quantizes temperature into 0.1-wide buckets so that
// near-identical sampling settings (0.70 vs 0.71) collapse onto the same
// cache entry, formatted as a stable one-decimal string (e.g. "0.7").
func TemperatureBucket(temperature float64) string {
	bucket := math.Round(temperature*10) / 10
	return fmt.Sprintf("%.1f", bucket)
}

// IsCacheable implements the gateway's cacheability rule:
//
//	enabled AND (not stream OR cache_streaming) AND temperature <= 1.5
func IsCacheable(enabled bool, stream bool, cacheStreaming bool, temperature float64) bool {
	if !enabled {
		return false
	}
	if stream && !cacheStreaming {
		return false
	}
	return temperature <= 1.5
}

