package modules

import (
	"github.com/bnema/testbay/pkg/fixture"
	"github.com/bnema/testbay/pkg/wait"
)

const (
	RedisImage = "redis:7-alpine"
	RedisPort  = "6379/tcp"
)

// Redis runs a single Redis server without persistence.
func Redis(b *fixture.Builder) *fixture.Builder {
	return b.WithImage(RedisImage).
		WithCommand("redis-server", "--save", "", "--appendonly", "no").
		WithExposedPorts(RedisPort).
		WithWaitStrategy(wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort(RedisPort),
		))
}
