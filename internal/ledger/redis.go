package ledger

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "commodex:"
	redisVersionKey = redisKeyPrefix + "clock"
)

// Redis is a remote Ledger. Each record is a hash holding the encoded
// value and its version; commits go through one script that checks every
// read version before writing.
type Redis struct {
	*kvLedger
}

func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}
	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		kvLedger: &kvLedger{b: &redisStore{client: client}, now: time.Now},
	}
}

// KEYS: read keys, write keys, set keys, then the version clock.
// ARGV: counts, expected read versions, write payloads, set members.
var commitScript = redis.NewScript(`
	local nreads = tonumber(ARGV[1])
	local nwrites = tonumber(ARGV[2])
	local nadds = tonumber(ARGV[3])

	for i = 1, nreads do
		local cur = redis.call("HGET", KEYS[i], "ver")
		if not cur then
			cur = "0"
		end
		if cur ~= ARGV[3 + i] then
			return 0
		end
	end
	if nwrites + nadds == 0 then
		return 1
	end

	local ver = redis.call("INCR", KEYS[nreads + nwrites + nadds + 1])
	for i = 1, nwrites do
		redis.call("HSET", KEYS[nreads + i], "data", ARGV[3 + nreads + i], "ver", ver)
	end
	for i = 1, nadds do
		redis.call("SADD", KEYS[nreads + nwrites + i], ARGV[3 + nreads + nwrites + i])
	end
	return 1
`)

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) get(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := s.client.HMGet(ctx, redisKeyPrefix+key, "data", "ver").Result()
	if err != nil {
		return nil, 0, Internalf(err, "read %s", key)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, 0, nil
	}
	data, _ := vals[0].(string)
	verText, _ := vals[1].(string)
	ver, err := strconv.ParseInt(verText, 10, 64)
	if err != nil {
		return nil, 0, Internalf(err, "version of %s", key)
	}
	return []byte(data), ver, nil
}

func (s *redisStore) members(ctx context.Context, set string) ([]string, error) {
	out, err := s.client.SMembers(ctx, redisKeyPrefix+set).Result()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, Internalf(err, "members of %s", set)
	}
	return out, nil
}

func (s *redisStore) commit(ctx context.Context, c kvCommit) error {
	keys := make([]string, 0, len(c.reads)+len(c.writes)+len(c.adds)+1)
	args := make([]any, 0, 3+len(c.reads)+len(c.writes)+len(c.adds))
	args = append(args, len(c.reads), len(c.writes), len(c.adds))

	for key, ver := range c.reads {
		keys = append(keys, redisKeyPrefix+key)
		args = append(args, strconv.FormatInt(ver, 10))
	}
	for key, data := range c.writes {
		keys = append(keys, redisKeyPrefix+key)
		args = append(args, string(data))
	}
	for _, a := range c.adds {
		keys = append(keys, redisKeyPrefix+a.set)
		args = append(args, a.member)
	}
	keys = append(keys, redisVersionKey)

	ok, err := commitScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return Internalf(err, "commit")
	}
	if ok == 0 {
		return errors.Wrap(ErrConflict, "version moved")
	}
	return nil
}

func (s *redisStore) validate(ctx context.Context, reads map[string]int64) error {
	return s.commit(ctx, kvCommit{reads: reads})
}

func (s *redisStore) close() error {
	return s.client.Close()
}
