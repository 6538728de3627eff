package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricewatch/internal/feed"
	"pricewatch/internal/notify"
	"pricewatch/internal/prices"
)

const (
	priceKeyPrefix     = "price:"
	priceChannelPrefix = "prices."
	AlertChannel       = "alerts"

	redisQueueSize    = 1024
	redisWriteTimeout = 2 * time.Second
)

// RedisClient is the slice of go-redis the sink uses.
type RedisClient interface {
	Pipeline() redis.Pipeliner
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type redisJob struct {
	symbol  string
	payload []byte
	alert   bool
}

// RedisSink mirrors live prices into Redis and publishes alerts. Each applied
// tick does SET price:<SYM> and PUBLISH prices.<SYM> in one pipeline; each
// notification is published on the alerts channel.
//
// OnTick and Notify only enqueue; Run performs the writes. When the queue is
// full the write is dropped and logged.
type RedisSink struct {
	client RedisClient
	ttl    time.Duration
	log    *zap.Logger
	jobs   chan redisJob
}

func NewRedisSink(client RedisClient, ttl time.Duration, logger *zap.Logger) *RedisSink {
	return &RedisSink{
		client: client,
		ttl:    ttl,
		log:    logger,
		jobs:   make(chan redisJob, redisQueueSize),
	}
}

func PriceKey(symbol string) string     { return priceKeyPrefix + symbol }
func PriceChannel(symbol string) string { return priceChannelPrefix + symbol }

// Run drains the write queue until ctx is done.
func (s *RedisSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.write(ctx, job)
		}
	}
}

func (s *RedisSink) write(ctx context.Context, job redisJob) {
	ctx, cancel := context.WithTimeout(ctx, redisWriteTimeout)
	defer cancel()

	if job.alert {
		if err := s.client.Publish(ctx, AlertChannel, job.payload).Err(); err != nil {
			s.log.Error("redis publish alert", zap.String("symbol", job.symbol), zap.Error(err))
		}
		return
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, PriceKey(job.symbol), job.payload, s.ttl)
	pipe.Publish(ctx, PriceChannel(job.symbol), job.payload)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error("redis pipeline", zap.String("symbol", job.symbol), zap.Error(err))
	}
}

func (s *RedisSink) enqueue(job redisJob) {
	select {
	case s.jobs <- job:
	default:
		s.log.Warn("redis queue full, dropping write", zap.String("symbol", job.symbol), zap.Bool("alert", job.alert))
	}
}

func (s *RedisSink) OnTick(_ context.Context, _ feed.Tick, rec prices.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("marshal price record", zap.Error(err))
		return
	}
	s.enqueue(redisJob{symbol: rec.Symbol, payload: payload})
}

func (s *RedisSink) Notify(_ context.Context, n notify.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Error("marshal notification", zap.Error(err))
		return
	}
	s.enqueue(redisJob{symbol: n.Symbol, payload: payload, alert: true})
}
