package infra

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// admitScript executa a checagem completa de uma chave em UM round trip:
// penalidade ativa, refil + consumo do balde e registro de violação na negação.
// Tudo em Lua porque duas idas separadas permitem estouro sob concorrência.
//
// KEYS: 1=balde, 2=violações, 3=penalidade (mesmo hash tag => mesmo slot).
// ARGV: size, refill_rate (tokens/s), now_ms, cost, bucket_ttl_s,
//
//	pen_threshold, pen_window_s, pen_duration_s.
//
// Retorno: {allowed, reason, tokens (string), retry_ms, violations, pen_ttl_ms}.
// reason: 0=ok, 1=rate_limited, 2=penalized, 3=cost_exceeds_capacity.
var admitScript = redis.NewScript(`
local bucket = KEYS[1]
local viol = KEYS[2]
local pen = KEYS[3]

local size = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local pen_threshold = tonumber(ARGV[6])
local pen_window = tonumber(ARGV[7])
local pen_duration = tonumber(ARGV[8])

if pen_threshold > 0 then
  local pen_ttl = redis.call('PTTL', pen)
  if pen_ttl > 0 then
    local count = tonumber(redis.call('GET', viol) or '0')
    return {0, 2, '0', pen_ttl, count, pen_ttl}
  end
end

local state = redis.call('HMGET', bucket, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = size
  last = now_ms
end
local elapsed = now_ms - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + (elapsed / 1000.0) * rate
if tokens > size then tokens = size end

-- regra sem refil nega tudo: nunca ha token gastavel, mesmo com burst > 0
if rate <= 0 then tokens = 0 end

if cost == 0 then
  return {1, 0, tostring(tokens), 0, 0, 0}
end

if cost > size then
  return {0, 3, tostring(tokens), -1, 0, 0}
end

if tokens >= cost then
  tokens = tokens - cost
  redis.call('HSET', bucket, 'tokens', tokens, 'last', now_ms)
  redis.call('EXPIRE', bucket, ttl)
  return {1, 0, tostring(tokens), 0, 0, 0}
end

redis.call('HSET', bucket, 'tokens', tokens, 'last', now_ms)
redis.call('EXPIRE', bucket, ttl)

local retry_ms = -1
if rate > 0 then
  retry_ms = math.ceil(((cost - tokens) / rate) * 1000)
end

local count = 0
if pen_threshold > 0 then
  count = redis.call('INCR', viol)
  if count == 1 then
    redis.call('EXPIRE', viol, pen_window)
  end
  if count > pen_threshold then
    redis.call('SET', pen, '1', 'EX', pen_duration)
    return {0, 2, tostring(tokens), pen_duration * 1000, count, pen_duration * 1000}
  end
end

return {0, 1, tostring(tokens), retry_ms, count, 0}
`)

// RedisBucketStore implementa domain.BucketStore sobre Redis.
//
// Todas as instâncias do serviço enxergam o mesmo balde de uma chave, o que
// impede o bypass trivial de round-robin entre instâncias.
type RedisBucketStore struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
	healthy atomic.Bool
}

type RedisBucketOption func(*RedisBucketStore)

func WithBucketPrefix(prefix string) RedisBucketOption {
	return func(s *RedisBucketStore) { s.prefix = prefix }
}

// WithBucketTimeout limita cada round trip (algo entre 50ms e 100ms).
func WithBucketTimeout(d time.Duration) RedisBucketOption {
	return func(s *RedisBucketStore) { s.timeout = d }
}

func WithBucketClock(now func() time.Time) RedisBucketOption {
	return func(s *RedisBucketStore) { s.now = now }
}

func NewRedisBucketStore(rdb *redis.Client, opts ...RedisBucketOption) *RedisBucketStore {
	s := &RedisBucketStore{
		rdb:     rdb,
		prefix:  "rl",
		timeout: 75 * time.Millisecond,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)
	return s
}

// keysFor deriva as três chaves de uma Key. O hash tag {..} garante o mesmo
// slot em cluster; não assumimos transação entre chaves de slots diferentes.
func (s *RedisBucketStore) keysFor(key domain.Key) []string {
	k := key.String()
	return []string{
		s.prefix + ":b:{" + k + "}",
		s.prefix + ":v:{" + k + "}",
		s.prefix + ":p:{" + k + "}",
	}
}

// Consume implementa domain.BucketStore.
//
// A operação roda desacoplada do cancelamento do chamador: se a requisição
// morrer antes da resposta, o token consumido não é devolvido (trade-off
// aceito para evitar um segundo round trip de compensação).
func (s *RedisBucketStore) Consume(ctx context.Context, key domain.Key, rule domain.Rule, pen domain.Penalty, cost int) (domain.Decision, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	now := s.now()
	ttl := int64(rule.Window / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	penThreshold, penWindow, penDuration := 0, int64(0), int64(0)
	if pen.Enabled() {
		penThreshold = pen.Threshold
		penWindow = ceilSeconds(pen.Window)
		penDuration = ceilSeconds(pen.Duration)
	}

	res, err := admitScript.Run(opCtx, s.rdb, s.keysFor(key),
		rule.Size(),
		rule.RefillRate(),
		now.UnixMilli(),
		cost,
		ttl,
		penThreshold,
		penWindow,
		penDuration,
	).Result()
	if err != nil {
		s.healthy.Store(false)
		return domain.Decision{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.healthy.Store(true)

	return parseAdmitReply(res, rule, now)
}

// Clear remove balde, violações e penalidade da chave.
func (s *RedisBucketStore) Clear(ctx context.Context, key domain.Key) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.rdb.Del(opCtx, s.keysFor(key)...).Err(); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.healthy.Store(true)
	return nil
}

// Healthy reporta o resultado da última operação/sondagem.
func (s *RedisBucketStore) Healthy() bool { return s.healthy.Load() }

// Ping sonda o Redis dentro do timeout do store.
func (s *RedisBucketStore) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.rdb.Ping(opCtx).Err(); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.healthy.Store(true)
	return nil
}

func parseAdmitReply(res interface{}, rule domain.Rule, now time.Time) (domain.Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 6 {
		return domain.Decision{}, fmt.Errorf("%w: unexpected script reply %v", domain.ErrStoreUnavailable, res)
	}

	allowed := asInt64(vals[0]) == 1
	reasonCode := asInt64(vals[1])
	tokens := asFloat(vals[2])
	retryMS := asInt64(vals[3])
	violations := asInt64(vals[4])
	penTTLMS := asInt64(vals[5])

	dec := domain.Decision{
		Allowed:    allowed,
		Limit:      rule.Size(),
		Remaining:  int(tokens),
		ResetAt:    resetAt(now, rule, tokens),
		Window:     rule.Window,
		Violations: int(violations),
	}

	switch reasonCode {
	case 0:
		dec.Reason = domain.ReasonOK
	case 1:
		dec.Reason = domain.ReasonRateLimited
	case 2:
		dec.Reason = domain.ReasonPenalized
		dec.PenaltyExpires = now.Add(time.Duration(penTTLMS) * time.Millisecond)
	case 3:
		dec.Reason = domain.ReasonCostExceedsCapacity
	default:
		return domain.Decision{}, fmt.Errorf("%w: unexpected reason code %d", domain.ErrStoreUnavailable, reasonCode)
	}

	if !allowed {
		if retryMS >= 0 {
			dec.RetryAfter = time.Duration(retryMS) * time.Millisecond
		} else {
			// regra que nega tudo (capacity=0 ou custo acima do balde):
			// não há instante em que vá passar, sugere a janela inteira.
			dec.RetryAfter = rule.Window
		}
	}
	return dec, nil
}

// resetAt estima quando o balde volta a ficar cheio.
func resetAt(now time.Time, rule domain.Rule, tokens float64) time.Time {
	rate := rule.RefillRate()
	if rate <= 0 {
		return now.Add(rule.Window)
	}
	missing := float64(rule.Size()) - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / rate * float64(time.Second)))
}

func ceilSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	}
	return 0
}
