package cacheindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) [32]byte {
	var d [32]byte
	copy(d[:], s)
	return d
}

func TestLookup_MissThenHit(t *testing.T) {
	idx := New()
	digest := digestOf("a")

	result := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeMiss, result.Outcome)
	require.NotNil(t, result.Miss)
	assert.True(t, result.Miss.HasFlag(FlagBusy))

	idx.Promote(result.Miss, &Object{Body: []byte("hello")})

	second := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeHit, second.Outcome)
	assert.Equal(t, result.Miss, second.Hit)
	assert.Equal(t, []byte("hello"), second.Hit.Object.Body)
}

func TestLookup_BusyCollisionParksWaiter(t *testing.T) {
	idx := New()
	digest := digestOf("b")

	first := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeMiss, first.Outcome)

	second := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeBusy, second.Outcome)

	select {
	case <-second.Wait:
		t.Fatal("waiter closed before the build settled")
	default:
	}

	idx.Promote(first.Miss, &Object{Body: []byte("x")})

	select {
	case <-second.Wait:
	default:
		t.Fatal("waiter not woken after promote")
	}
}

func TestLookup_AlwaysMissBypassesHit(t *testing.T) {
	idx := New()
	digest := digestOf("c")

	first := idx.Lookup(context.Background(), digest, true, false)
	idx.Promote(first.Miss, &Object{Body: []byte("cached")})

	forced := idx.Lookup(context.Background(), digest, true, true)
	assert.Equal(t, OutcomeMiss, forced.Outcome)
}

func TestFail_RemovesBusyVariantAndWakesWaiters(t *testing.T) {
	idx := New()
	digest := digestOf("d")

	first := idx.Lookup(context.Background(), digest, true, false)
	waiter := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeBusy, waiter.Outcome)

	idx.Fail(first.Miss)

	select {
	case <-waiter.Wait:
	default:
		t.Fatal("waiter not woken after fail")
	}

	retry := idx.Lookup(context.Background(), digest, true, false)
	assert.Equal(t, OutcomeMiss, retry.Outcome)
}

func TestDeref_RemovesVariantAtZeroRefcount(t *testing.T) {
	idx := New()
	digest := digestOf("e")

	first := idx.Lookup(context.Background(), digest, true, false)
	idx.Promote(first.Miss, &Object{Body: []byte("y")})

	hit := idx.Lookup(context.Background(), digest, true, false)
	require.Equal(t, OutcomeHit, hit.Outcome)
	assert.EqualValues(t, 2, hit.Hit.Refcount())

	residual := idx.Deref(hit.Hit)
	assert.EqualValues(t, 1, residual)

	buckets, variants := idx.Stats()
	assert.Equal(t, 1, buckets)
	assert.Equal(t, 1, variants)

	residual = idx.Deref(hit.Hit)
	assert.EqualValues(t, 0, residual)

	buckets, variants = idx.Stats()
	assert.Equal(t, 1, buckets)
	assert.Equal(t, 0, variants)
}

func TestPurge_InvalidatesAllVariants(t *testing.T) {
	idx := New()
	digest := digestOf("f")

	first := idx.Lookup(context.Background(), digest, true, false)
	idx.Promote(first.Miss, &Object{Body: []byte("z")})

	ok := idx.PurgeDigest(digest)
	assert.True(t, ok)

	after := idx.Lookup(context.Background(), digest, true, false)
	assert.Equal(t, OutcomeMiss, after.Outcome)
}

func TestMarkHitForPass_DropsBodyKeepsEntry(t *testing.T) {
	idx := New()
	digest := digestOf("g")

	first := idx.Lookup(context.Background(), digest, true, false)
	idx.Promote(first.Miss, &Object{Body: []byte("body")})

	idx.MarkHitForPass(first.Miss)
	assert.True(t, first.Miss.HasFlag(FlagPass))
	assert.Nil(t, first.Miss.Object)
}
