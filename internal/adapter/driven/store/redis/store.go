package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/port"
)

// Store persists pending-call records (with TTL) and Friday balances in
// Redis, so every signaling node sees the same state.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, pendingTTL time.Duration) *Store {
	return &Store{rdb: rdb, ttl: pendingTTL}
}

// Dial connects and verifies the server is reachable.
func Dial(ctx context.Context, addr string, pendingTTL time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewStore(rdb, pendingTTL), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func pendingKey(user domain.UserID) string { return "pending-call:" + user.String() }
func balanceKey(user domain.UserID) string { return "friday-balance:" + user.String() }

func (s *Store) Put(ctx context.Context, callee domain.UserID, call domain.PendingCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, pendingKey(callee), raw, s.ttl).Err()
}

func (s *Store) Get(ctx context.Context, callee domain.UserID) (domain.PendingCall, bool, error) {
	raw, err := s.rdb.Get(ctx, pendingKey(callee)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingCall{}, false, nil
	}
	if err != nil {
		return domain.PendingCall{}, false, err
	}
	var call domain.PendingCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return domain.PendingCall{}, false, err
	}
	return call, true, nil
}

// Clear deletes the record only when it still belongs to callID, so a late
// cleanup for an old call cannot erase a newer ring.
func (s *Store) Clear(ctx context.Context, callee domain.UserID, callID domain.CallID) error {
	key := pendingKey(callee)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var call domain.PendingCall
		if err := json.Unmarshal(raw, &call); err != nil || call.CallID != callID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Record changed under us; the newer writer owns it now.
		return nil
	}
	return err
}

func (s *Store) Minutes(ctx context.Context, user domain.UserID) (int, error) {
	minutes, err := s.rdb.Get(ctx, balanceKey(user)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return minutes, err
}

// debitScript decrements only when the balance covers the amount; returns -1
// when it does not, keeping the check and the decrement atomic.
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
	return -1
end
return redis.call('DECRBY', KEYS[1], amount)
`)

func (s *Store) Debit(ctx context.Context, user domain.UserID, minutes int) (int, error) {
	remaining, err := debitScript.Run(ctx, s.rdb, []string{balanceKey(user)}, minutes).Int()
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		balance, _ := s.Minutes(ctx, user)
		return balance, port.ErrInsufficientFunds
	}
	return remaining, nil
}

func (s *Store) Credit(ctx context.Context, user domain.UserID, minutes int) (int, error) {
	remaining, err := s.rdb.IncrBy(ctx, balanceKey(user), int64(minutes)).Result()
	return int(remaining), err
}
