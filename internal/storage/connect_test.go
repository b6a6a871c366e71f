package storage

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/brez-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig(&config.PostgresConfig{
		Host: "db", Port: "5432", Database: "sync", User: "u", Password: "p", MaxConnections: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(8), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, "sync", pc.ConnConfig.Database)
	assert.Equal(t, "brez-sync", pc.ConnConfig.RuntimeParams["application_name"])

	pc, err = poolConfig(&config.PostgresConfig{Host: "db", Port: "5432", Database: "sync", User: "u", MaxConnections: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), pc.MinConns, "min connections never exceed the pool size")
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions(&config.RedisConfig{Host: "cache", Port: "6380", DB: 2, MaxConnections: 1})
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 1, opts.PoolSize)
	assert.Equal(t, 1, opts.MinIdleConns)
	assert.Less(t, opts.ReadTimeout, 2*time.Second)
}

func TestClickHouseOptions(t *testing.T) {
	opts := clickHouseOptions(&config.ClickHouseConfig{Host: "ch", Port: "9000", Database: "facts", User: "default"})
	assert.Equal(t, []string{"ch:9000"}, opts.Addr)
	assert.Equal(t, "facts", opts.Auth.Database)
	assert.Equal(t, 1, opts.Settings["insert_deduplicate"])
	require.NotNil(t, opts.Compression)
	assert.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
}

func TestConstructorsRequireConfig(t *testing.T) {
	_, err := NewPostgresDB(nil)
	assert.Error(t, err)
	_, err = NewClickHouseDB(nil)
	assert.Error(t, err)
	_, err = NewRedisClient(nil)
	assert.Error(t, err)
}
