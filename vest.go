/*
Copyright 2025 Vest Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vest

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/database"
	"github.com/vestfi/vest/internal/cache"
	redis_db "github.com/vestfi/vest/internal/redis-db"
	"github.com/vestfi/vest/model"
)

// balanceCacheTTL bounds staleness of the cached balance read model; outbox
// events invalidate eagerly, the TTL is the backstop.
const balanceCacheTTL = 5 * time.Minute

// Vest is the accrual engine: it coordinates purchase lifecycle writes, the
// daily benefit/commission pass and outbox delivery over one datasource.
type Vest struct {
	queue      *Queue
	cache      cache.Cache
	redis      redis.UniversalClient
	datasource database.IDataSource
}

// NewVest initializes the engine with the provided datasource. It fetches the
// configuration and wires up the Redis client, cache and task queue.
func NewVest(db database.IDataSource) (*Vest, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	newVest := &Vest{datasource: db, queue: newQueue, cache: newCache, redis: redisClient.Client()}
	return newVest, nil
}

func balanceCacheKey(userID, currency string) string {
	return fmt.Sprintf("vest:balance:%s:%s", userID, currency)
}

// GetCachedBalance reads a balance through the cache, falling back to the
// database and repopulating on a miss.
func (l *Vest) GetCachedBalance(ctx context.Context, userID, currency string) (*model.Balance, error) {
	var balance model.Balance
	key := balanceCacheKey(userID, currency)
	if err := l.cache.Get(ctx, key, &balance); err == nil && balance.UserID != "" {
		return &balance, nil
	}

	fresh, err := l.datasource.GetBalance(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, key, fresh, balanceCacheTTL); err != nil {
		return fresh, nil
	}
	return fresh, nil
}

// deleteCachedBalances drops every cached balance for a user, across
// currencies.
func (l *Vest) deleteCachedBalances(ctx context.Context, userID string) error {
	return l.cache.DeleteByPattern(ctx, fmt.Sprintf("vest:balance:%s:*", userID))
}
