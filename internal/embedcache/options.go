package embedcache

import "time"

// Options configures the persistent backends.
type Options struct {
	Path      string        // SQLite database file
	RedisAddr string        // host:port or redis:// URL
	TTL       time.Duration // Redis key expiry; 0 keeps keys forever
}
