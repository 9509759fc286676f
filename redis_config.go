package shopquery

import (
	"os"

	"github.com/redis/go-redis/v9"
)

// RedisOptions returns redis.Options populated from standard environment variables.
//
// Environment variables read (with defaults):
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
//
// Example usage:
//
//	redisClient := redis.NewClient(shopquery.RedisOptions())
//	defer redisClient.Close()
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// Options returns redis.Options for this configuration, falling back to the
// environment for fields left empty.
func (c RedisConfig) Options() *redis.Options {
	opts := RedisOptions()
	if c.Addr != "" {
		opts.Addr = c.Addr
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	return opts
}
