// Package presence mirrors device liveness into redis so other processes can tell whether a
// device is online without asking the database.
package presence

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/juju/errors"
)

const keyPrefix = "presence:"

//Redis stores the last-seen time of a device under presence:<imei>, expiring after the online window
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

//Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return errors.Annotate(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *Redis) Touch(ctx context.Context, imei string, at time.Time) error {
	err := r.client.Set(ctx, keyPrefix+imei, at.UTC().Format(time.RFC3339Nano), r.ttl).Err()
	return errors.Annotatef(err, "set presence %s", imei)
}

//LastSeen returns false once the key expired, i.e. the device is no longer online
func (r *Redis) LastSeen(ctx context.Context, imei string) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, keyPrefix+imei).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Annotatef(err, "get presence %s", imei)
	}

	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, errors.Annotatef(err, "parse presence %s", imei)
	}
	return at, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
