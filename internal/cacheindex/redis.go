package cacheindex

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"
)

// RedisClient is a minimal interface any Redis library can satisfy,
// grounded on the same injection-seam pattern used to keep the cache
// index's authoritative graph free of a hard dependency on a specific
// driver — the concrete client is created and injected by cmd/proxy.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// CrossInstanceHints fans purge notifications out across proxy replicas;
// hit-for-pass markers are not shared. It is a hint layer only — the authoritative
// objhead/objcore graph stays single-process; a stale or missed hint only
// costs one extra backend round trip on another replica, never a
// correctness violation.
type CrossInstanceHints struct {
	client RedisClient
	prefix string
	index  *Index
}

// NewCrossInstanceHints wires client into idx. Pass a nil client to run
// single-instance with no cross-pod fan-out.
func NewCrossInstanceHints(client RedisClient, prefix string, idx *Index) *CrossInstanceHints {
	if prefix == "" {
		prefix = "cacheproxy:hints:"
	}
	return &CrossInstanceHints{client: client, prefix: prefix, index: idx}
}

// Start subscribes to the purge fan-out channel. No-op if no Redis
// client was configured.
func (h *CrossInstanceHints) Start(ctx context.Context) error {
	if h.client == nil {
		return nil
	}
	_, err := h.client.Subscribe(ctx, h.prefix+"purge", func(msg []byte) {
		digest, err := digestFromHex(string(msg))
		if err != nil {
			slog.Warn("cacheindex: malformed purge hint", "error", err)
			return
		}
		h.index.purgeByDigest(digest)
	})
	return err
}

// PublishPurge tells every other replica to drop its local copy of digest.
func (h *CrossInstanceHints) PublishPurge(ctx context.Context, digest [32]byte) error {
	if h.client == nil {
		return nil
	}
	return h.client.Publish(ctx, h.prefix+"purge", []byte(hex.EncodeToString(digest[:])))
}

func digestFromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// purgeByDigest purges whatever local bucket matches digest, if any. Used
// only by the cross-instance hint subscriber — a miss here (no local
// bucket for that key) is not an error, there is simply nothing to drop.
func (idx *Index) purgeByDigest(digest [32]byte) {
	oh := idx.bucket(digest, false)
	if oh == nil {
		return
	}
	oh.mu.Lock()
	oh.variants = nil
	oh.mu.Unlock()
}
