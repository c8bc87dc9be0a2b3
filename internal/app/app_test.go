package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/internal/provisioner"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
	"github.com/alvesdmateus/instance-deployer/pkg/config"
)

func TestRateLimitConfigKeepsDefaultsForZeroValues(t *testing.T) {
	got := RateLimitConfig(config.RateLimitConfig{Enabled: true})
	assert.True(t, got.Enabled)
	assert.Equal(t, 10.0, got.RequestsPerSecond)
	assert.Equal(t, 20, got.BurstSize)

	got = RateLimitConfig(config.RateLimitConfig{Enabled: false, RequestsPerSecond: 2, Burst: 4})
	assert.False(t, got.Enabled)
	assert.Equal(t, 2.0, got.RequestsPerSecond)
	assert.Equal(t, 4, got.BurstSize)
	assert.Equal(t, 5*time.Minute, got.CleanupInterval)
}

func TestProvisionerConfigOverlaysDefaults(t *testing.T) {
	got := ProvisionerConfig(config.ProvisionerConfig{
		InstanceType: "t3.small",
		PollAttempts: 3,
	})

	defaults := provisioner.DefaultConfig()
	assert.Equal(t, "t3.small", got.InstanceType)
	assert.Equal(t, 3, got.PollAttempts)
	assert.Equal(t, defaults.ImageID, got.ImageID)
	assert.Equal(t, defaults.ManagedPolicies, got.ManagedPolicies)
	assert.Equal(t, defaults.SecurityGroupPrefix, got.SecurityGroupPrefix)
}

func TestDatabaseConfigCarriesDriver(t *testing.T) {
	got := DatabaseConfig(config.DatabaseConfig{Driver: "sqlite", Path: "test.db", MaxOpenConns: 2})
	assert.Equal(t, "sqlite", got.Driver)
	assert.Equal(t, "test.db", got.Path)
	assert.Equal(t, 2, got.MaxOpenConns)
}

func TestSetLogLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	SetLogLevel("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	SetLogLevel("shouting")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestPublisherFansOutToRedisAndRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var (
		mu      sync.Mutex
		relayed []map[string]string
	)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deploy-log", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		relayed = append(relayed, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(relay.Close)

	rt := &Runtime{
		Config: &config.Config{Progress: config.ProgressConfig{
			RelayURL:      relay.URL,
			RelayTimeout:  time.Second,
			ChannelPrefix: "deploy-log",
		}},
		Queue:  queue.NewRedisQueueFromClient(client),
		Logger: zerolog.Nop(),
	}
	t.Cleanup(rt.Close)

	sub := client.Subscribe(context.Background(), progress.Channel("deploy-log", "alice"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	pub := rt.Publisher()
	require.NoError(t, pub.Publish(context.Background(), progress.Event{UserID: "alice", Message: "cloning"}))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"msg":"cloning"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no redis message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, relayed, 1)
	assert.Equal(t, "alice", relayed[0]["userId"])
	assert.Equal(t, "cloning", relayed[0]["msg"])
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := &http.Server{
		Addr:    "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, time.Second, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
