package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/livecache/storage"
)

var ErrNilClient = errors.New("redis storage: nil client")

const defaultScanCount = 256

// Redis keeps records under Prefix so Entries can SCAN them.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	ttl         time.Duration
	scanCount   int64
	closeClient bool
}

var _ storage.Storage = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	Prefix string        // e.g. "app:livecache:"; "" => "livecache:"
	TTL    time.Duration // 0 => no expiry
	// ScanCount is the COUNT hint of Entries' SCAN; 0 => 256.
	ScanCount   int64
	CloseClient bool // set true only if this storage exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "livecache:"
	}
	count := cfg.ScanCount
	if count <= 0 {
		count = defaultScanCount
	}
	return &Redis{rdb: cfg.Client, prefix: prefix, ttl: cfg.TTL, scanCount: count, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.prefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte) error {
	return p.rdb.Set(ctx, p.prefix+key, value, p.ttl).Err()
}

func (p *Redis) Delete(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, p.prefix+key).Err()
}

// Entries scans the prefix and fetches values with MGET per batch.
// Keys that expire between SCAN and MGET are skipped.
func (p *Redis) Entries(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, p.prefix+"*", p.scanCount).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			vals, err := p.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				out[strings.TrimPrefix(keys[i], p.prefix)] = []byte(s)
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Close releases the underlying redis client only when this storage owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
