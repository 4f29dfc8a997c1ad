package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	logx "vwapbot/pkg/logx"
)

const redisAuditCap = 10000

// removeIntervalScript drops one interval and unlists the channel when its
// hash became empty, in one step so a concurrent Upsert of a sibling
// interval cannot be unlisted.
//
//	KEYS[1] channel hash, KEYS[2] channels set
//	ARGV[1] interval field, ARGV[2] channel id
var removeIntervalScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// redisStore keeps one hash per channel:
//
//	<prefix>:channel:<id>  field <interval> -> JSON fileRecord
//	<prefix>:channels      set of channel ids with at least one record
//	<prefix>:audit         capped list of JSON audit entries
type redisStore struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)
	if prefix == "" {
		prefix = "vwapbot"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisStore(client, prefix, log), nil
}

func newRedisStore(client redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) channelKey(id int64) string {
	return s.prefix + ":channel:" + strconv.FormatInt(id, 10)
}

func (s *redisStore) channelsKey() string { return s.prefix + ":channels" }
func (s *redisStore) auditKey() string    { return s.prefix + ":audit" }

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) Upsert(ctx context.Context, r Record) error {
	if err := validKey(r.ChannelID, r.Interval); err != nil {
		return err
	}
	key := s.channelKey(r.ChannelID)
	field := strconv.Itoa(r.Interval)
	now := time.Now().UTC()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
		prev, err := s.client.HGet(ctx, key, field).Bytes()
		switch {
		case err == nil:
			var fr fileRecord
			if json.Unmarshal(prev, &fr) == nil && !fr.CreatedAt.IsZero() {
				r.CreatedAt = fr.CreatedAt
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
	}
	r.UpdatedAt = now

	b, err := json.Marshal(toFileRecord("", r))
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, b)
		p.SAdd(ctx, s.channelsKey(), r.ChannelID)
		return nil
	})
	return err
}

func (s *redisStore) LoadAll(ctx context.Context) (Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.channelsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := Snapshot{}
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, s.channelKey(id)).Result()
		if err != nil {
			return nil, err
		}
		for f, v := range fields {
			var fr fileRecord
			if err := json.Unmarshal([]byte(v), &fr); err != nil {
				s.log.Warn("skipping unreadable state", logx.Int64("channel_id", id), logx.String("field", f), logx.Err(err))
				continue
			}
			fr.ChannelID = id
			if n, err := strconv.Atoi(f); err == nil {
				fr.Interval = n
			}
			if validKey(fr.ChannelID, fr.Interval) != nil {
				continue
			}
			out.put(fr.record())
		}
	}
	return out, nil
}

func (s *redisStore) Remove(ctx context.Context, channelID int64, interval int) error {
	key := s.channelKey(channelID)
	if interval == 0 {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, s.channelsKey(), channelID)
			return nil
		})
		return err
	}
	keys := []string{key, s.channelsKey()}
	return removeIntervalScript.Run(ctx, s.client, keys, strconv.Itoa(interval), strconv.FormatInt(channelID, 10)).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.auditKey(), b)
		p.LTrim(ctx, s.auditKey(), -redisAuditCap, -1)
		return nil
	})
	return err
}
