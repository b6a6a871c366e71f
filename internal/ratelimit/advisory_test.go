package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedisAdvisoryPublisher(t *testing.T) {
	mr, client := setupMiniredis(t)
	pub, err := NewRedisAdvisoryPublisher(client, "")
	require.NoError(t, err)

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultAdvisoryChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	now := time.Now()
	a := NewAdvisory("t1", types.PlatformMeta, now.Add(5*time.Minute), now)
	require.NoError(t, pub.Notify(ctx, a))

	select {
	case msg := <-sub.Channel():
		var got Advisory
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "t1", got.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("advisory not published")
	}

	latest, err := pub.Latest(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, types.PlatformMeta, latest.Platform)

	ttl := mr.TTL(AdvisoryKeyPrefix + "t1")
	assert.InDelta(t, (5 * time.Minute).Seconds(), ttl.Seconds(), 2)

	mr.FastForward(6 * time.Minute)
	latest, err = pub.Latest(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMultiNotifier(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &recordingNotifier{}
	m := MultiNotifier{NewLogNotifier(zap.New(core)), nil, rec}

	now := time.Now()
	require.NoError(t, m.Notify(context.Background(), NewAdvisory("t9", types.PlatformShopify, now.Add(time.Minute), now)))
	assert.Len(t, rec.all(), 1)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "t9", logs.All()[0].ContextMap()["tenantId"])
}
