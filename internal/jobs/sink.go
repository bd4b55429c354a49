package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Sink receives every finished job result.
type Sink interface {
	Put(ctx context.Context, res Result) error
}

// LogSink writes results to the logger only.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Put(_ context.Context, res Result) error {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	l.Debug("job result", "job", res.Job, "status", res.Status, "org", res.OrgID, "data", res.Data)
	return nil
}

// MultiSink fans a result out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, res Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Put(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const recentResults = 100

// RedisSink stores results as JSON under <prefix>:<job>:last[:<org>] with a
// TTL, and keeps the newest results in the list <prefix>:recent.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisSink connects to Redis and pings it.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSinkFromClient(rdb, opts.Prefix, opts.TTL), nil
}

func NewRedisSinkFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "taskpulse:jobs"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSink) key(res Result) string {
	if res.OrgID != "" {
		return fmt.Sprintf("%s:%s:last:%s", s.prefix, res.Job, res.OrgID)
	}
	return fmt.Sprintf("%s:%s:last", s.prefix, res.Job)
}

func (s *RedisSink) Put(ctx context.Context, res Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	recent := s.prefix + ":recent"
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(res), body, s.ttl)
	pipe.LPush(ctx, recent, body)
	pipe.LTrim(ctx, recent, 0, recentResults-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Last returns the newest stored result for job (and org, when set).
func (s *RedisSink) Last(ctx context.Context, job, orgID string) (Result, bool, error) {
	var res Result
	body, err := s.client.Get(ctx, s.key(Result{Job: job, OrgID: orgID})).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, false, err
	}
	return res, true, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
