// Package embedcache stores embedding vectors keyed by model and normalized
// text so a control is embedded at most once across runs.
package embedcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrCorrupt is returned when a stored vector cannot be decoded.
var ErrCorrupt = errors.New("corrupt cache entry")

// Cache maps control.TextKey values to vectors. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vec []float32) error
	Close() error
}

// Memory is a process-local Cache.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]float32
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]float32)}
}

func (m *Memory) Get(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]float32(nil), v...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]float32(nil), vec...)
	return nil
}

// Len reports the number of cached vectors.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Memory) Close() error { return nil }

// Nop never hits and drops every Put.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]float32, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, string, []float32) error { return nil }
func (Nop) Close() error { return nil }

// Open builds the cache named by backend: "memory", "sqlite", "redis" or
// "none".
func Open(ctx context.Context, backend string, opts Options) (Cache, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "none":
		return Nop{}, nil
	case "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite cache requires a path")
		}
		return OpenSQLite(opts.Path)
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache requires an address")
		}
		return OpenRedis(ctx, opts.RedisAddr, opts.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q: supported backends are memory, sqlite, redis, none", backend)
	}
}

// EncodeVector packs v as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32s", ErrCorrupt, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
