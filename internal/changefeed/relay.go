package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Listener is the database side of the relay. ready runs once the listen is
// established, before the first payload.
type Listener interface {
	Listen(ctx context.Context, channel string, ready func(), fn func(payload string)) error
}

// Locker elects the single relaying instance when several share a broker.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	TTL() time.Duration
}

var errLeadershipLost = errors.New("changefeed: relay lock lost")

// Relay republishes database notifications on a Broker.
type Relay struct {
	logger  *slog.Logger
	source  Listener
	channel string
	broker  Broker
	lock    Locker
	now     func() time.Time
}

// NewRelay returns a relay for channel. A nil lock makes every instance relay,
// which is only correct for an in-process broker.
func NewRelay(logger *slog.Logger, source Listener, channel string, broker Broker, lock Locker) *Relay {
	return &Relay{
		logger:  logger,
		source:  source,
		channel: channel,
		broker:  broker,
		lock:    lock,
		now:     time.Now,
	}
}

// Run blocks until ctx ends. Errors from the database end the run so the
// caller can restart it.
func (r *Relay) Run(ctx context.Context) error {
	if r.lock == nil {
		return r.relay(ctx)
	}

	poll := r.lock.TTL() / 3
	if poll <= 0 {
		poll = time.Second
	}
	for {
		acquired, err := r.lock.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if acquired {
			r.logger.Info("Relay lock acquired", "channel", r.channel)
			err := r.lead(ctx, poll)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, errLeadershipLost):
				r.logger.Warn("Relay lock lost, standing by", "channel", r.channel)
			case err != nil:
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

func (r *Relay) lead(ctx context.Context, renewEvery time.Duration) error {
	leaderCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer func() {
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelRelease()
		if err := r.lock.Release(releaseCtx); err != nil {
			r.logger.Warn("Failed to release relay lock", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				held, err := r.lock.Refresh(leaderCtx)
				if err != nil || !held {
					cancel(errLeadershipLost)
					return
				}
			}
		}
	}()

	err := r.relay(leaderCtx)
	if cause := context.Cause(leaderCtx); errors.Is(cause, errLeadershipLost) {
		return errLeadershipLost
	}
	return err
}

// relay forwards notifications until the listen ends. Notifications committed
// while nobody listened are gone, so every new listen starts with a resync
// event that makes feeds reload.
func (r *Relay) relay(ctx context.Context) error {
	ready := func() {
		event := Event{Table: TableLocations, Op: OpResync, ReceivedAt: r.now().UTC()}
		if err := r.broker.Publish(ctx, event); err != nil {
			r.logger.Error("Failed to publish resync event", "channel", r.channel, "error", err)
			return
		}
		r.logger.Info("Relay listening", "channel", r.channel)
	}
	return r.source.Listen(ctx, r.channel, ready, func(payload string) {
		event, err := DecodeEvent(payload)
		if err != nil {
			r.logger.Warn("Ignoring malformed row notification", "payload", payload, "error", err)
			return
		}
		event.ReceivedAt = r.now().UTC()
		if err := r.broker.Publish(ctx, event); err != nil {
			r.logger.Error("Failed to publish change event", "table", event.Table, "member_id", event.MemberID, "error", err)
		}
	})
}

// RedisLock is a single-key lease: SET NX PX to take it, compare-and-expire to
// keep it, compare-and-delete to give it back.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

var (
	refreshScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`)
	releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)
)

// NewRedisLock returns a lock on key. The holder is identified by a random
// token so an instance never extends or releases another instance's lease.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("changefeed: failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("changefeed: failed to refresh lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("changefeed: failed to release lock %s: %w", l.key, err)
	}
	return nil
}

func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}
