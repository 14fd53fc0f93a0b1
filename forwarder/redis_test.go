package forwarder

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/andyching168/m7dash"
)

type redisCall struct {
	key    string
	values []interface{}
}

type redisClientStub struct {
	hsetErr   error
	hsets     []redisCall
	publishes []string
}

func (s *redisClientStub) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if s.hsetErr != nil {
		cmd.SetErr(s.hsetErr)
		return cmd
	}
	s.hsets = append(s.hsets, redisCall{key: key, values: values})
	return cmd
}

func (s *redisClientStub) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	s.publishes = append(s.publishes, channel)
	return redis.NewIntCmd(ctx)
}

func (s *redisClientStub) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusCmd(ctx)
}

func (s *redisClientStub) Close() error { return nil }

func TestRedisEmitStoresAndPublishes(t *testing.T) {
	stub := &redisClientStub{}
	r := &Redis{client: stub}

	r.Emit(m7dash.Update{Channel: m7dash.ChannelSpeed, Value: m7dash.Number(53.3)})

	if assert.Len(t, stub.hsets, 1) {
		assert.Equal(t, "vehicle", stub.hsets[0].key)
		assert.Equal(t, []interface{}{"speed", "53.3"}, stub.hsets[0].values)
	}
	assert.Equal(t, []string{"vehicle speed"}, stub.publishes)
}

func TestRedisEmitDoorField(t *testing.T) {
	stub := &redisClientStub{}
	r := &Redis{client: stub}

	r.Emit(m7dash.Update{
		Channel: m7dash.ChannelDoor,
		Door:    m7dash.DoorBack,
		Value:   m7dash.Flag(false),
	})

	if assert.Len(t, stub.hsets, 1) {
		assert.Equal(t, []interface{}{"door:BK", "false"}, stub.hsets[0].values)
	}
	assert.Equal(t, []string{"vehicle door:BK"}, stub.publishes)
}

func TestRedisEmitSkipsPublishOnStoreFailure(t *testing.T) {
	stub := &redisClientStub{hsetErr: errors.New("connection refused")}
	r := &Redis{client: stub}

	r.Emit(m7dash.Update{Channel: m7dash.ChannelRPM, Value: m7dash.Number(900)})

	assert.Empty(t, stub.hsets)
	assert.Empty(t, stub.publishes)
}
