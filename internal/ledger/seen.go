// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// seenTTL is how long a processed message id is remembered. It must
	// cover the batch lookback window so overlapping scans skip mail they
	// already classified.
	seenTTL = 45 * 24 * time.Hour

	seenKeyPrefix = "stagesync:seen:"
)

// SeenFilter remembers which message ids have already been through the
// pipeline, so overlapping inbox scans do not re-classify the same mail.
// It is a fast path in front of the ledger, not a correctness mechanism —
// the ledger's key membership is what actually prevents duplicate events.
type SeenFilter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSeenFilter creates a seen-message filter backed by Redis.
func NewSeenFilter(rdb *redis.Client) *SeenFilter {
	return &SeenFilter{rdb: rdb, ttl: seenTTL}
}

// Seen reports whether a message id was marked by an earlier run. It is a
// pure read: checking and marking are separate so a message whose sink write
// failed is never remembered and stays eligible for retry.
func (f *SeenFilter) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, seenKeyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("seen-filter EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkSeen remembers a message id for the TTL window (SETNX).
func (f *SeenFilter) MarkSeen(ctx context.Context, messageID string) error {
	if err := f.rdb.SetNX(ctx, seenKeyPrefix+messageID, 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("seen-filter SETNX: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *SeenFilter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.rdb.Ping(ctx).Err()
}
