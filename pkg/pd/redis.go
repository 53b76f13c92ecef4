package pd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/fibsync/pkg/util"
)

// DefaultRedisDB is the database the pipeline agent reads forwarding tables
// from.
const DefaultRedisDB = 2

// RedisProgrammer writes forwarding tables into Redis, one hash per entry,
// keyed "FIB_<TABLE>|<key>". A pipeline agent on the target consumes the
// hashes and programs the hardware.
type RedisProgrammer struct {
	client *redis.Client
	addr   string
}

// NewRedisProgrammer creates a programmer for the Redis instance at addr.
func NewRedisProgrammer(addr string, db int) *RedisProgrammer {
	return &RedisProgrammer{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		addr: addr,
	}
}

// Connect tests the connection.
func (p *RedisProgrammer) Connect(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to table store at %s: %w", p.addr, err)
	}
	return nil
}

// Close closes the connection pool.
func (p *RedisProgrammer) Close() error {
	return p.client.Close()
}

// RedisKey renders the hash key for an entry.
func RedisKey(table Table, key string) string {
	return fmt.Sprintf("FIB_%s|%s", strings.ToUpper(string(table)), key)
}

// Open pins one pooled connection for the session.
func (p *RedisProgrammer) Open(ctx context.Context) (Session, error) {
	conn := p.client.Conn(ctx)
	if err := conn.Ping(ctx).Err(); err != nil {
		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("%w (closing: %v)", err, cerr)
		}
		return nil, util.NewTableError("open", "session", p.addr, err)
	}
	return &redisSession{conn: conn}, nil
}

// Dump reads every entry of a table, keyed by entry key.
func (p *RedisProgrammer) Dump(ctx context.Context, table Table) (map[string]map[string]string, error) {
	prefix := RedisKey(table, "")
	keys, err := p.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, err)
	}
	sort.Strings(keys)

	out := make(map[string]map[string]string, len(keys))
	for _, k := range keys {
		vals, err := p.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		out[strings.TrimPrefix(k, prefix)] = vals
	}
	return out, nil
}

func (p *RedisProgrammer) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := p.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

type redisSession struct {
	conn *redis.Conn
}

// Apply writes or deletes one entry. An add replaces all fields of an
// existing entry in a single MULTI/EXEC so readers never see a half-written
// action.
func (s *redisSession) Apply(ctx context.Context, op Op, e Entry) error {
	key := RedisKey(e.Table(), e.Key())

	switch op {
	case Add:
		fields := e.Fields()
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe := s.conn.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, args...)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return util.NewTableError(op.String(), string(e.Table()), e.Key(), err)
		}
		return nil

	case Remove:
		n, err := s.conn.Del(ctx, key).Result()
		if err != nil {
			return util.NewTableError(op.String(), string(e.Table()), e.Key(), err)
		}
		if n == 0 {
			return util.NewTableError(op.String(), string(e.Table()), e.Key(), util.ErrNotFound)
		}
		return nil
	}
	return util.NewTableError(op.String(), string(e.Table()), e.Key(), fmt.Errorf("unsupported op"))
}

func (s *redisSession) Close() error {
	return s.conn.Close()
}
