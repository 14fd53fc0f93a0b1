package forwarder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andyching168/m7dash"
)

const (
	redisKey        = "vehicle"
	redisOpTimeout  = 2 * time.Second
	redisDlyTimeout = 5 * time.Second
)

// redisClient is the subset of *redis.Client used here, declared as an
// interface so tests can substitute a stub.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis mirrors each telemetry update into a vehicle hash and nudges
// subscribers on a per-channel topic, so sibling processes (trip
// statistics, shutdown monitor) can pick up state without linking the
// engine.
type Redis struct {
	client redisClient
}

func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  redisDlyTimeout,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDlyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "unable to reach redis at %s", addr)
	}
	log.WithField("addr", addr).Info("redis forwarder connected")
	return &Redis{client: client}, nil
}

func (r *Redis) Emit(u m7dash.Update) {
	field := string(u.Channel)
	if u.Channel == m7dash.ChannelDoor {
		field = "door:" + string(u.Door)
	}
	value, err := json.Marshal(u.Value)
	if err != nil {
		log.WithField("err", err).Error("unable to encode telemetry value")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.HSet(ctx, redisKey, field, string(value)).Err(); err != nil {
		log.WithField("field", field).WithField("err", err).Warn("unable to store telemetry in redis")
		return
	}
	if err := r.client.Publish(ctx, redisKey+" "+field, nil).Err(); err != nil {
		log.WithField("field", field).WithField("err", err).Warn("unable to publish telemetry change")
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
