// README: Per-rider trip discounts in Redis, redeemed once and pinned to the rental that used them.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mobility/internal/fault"
	"mobility/internal/types"
)

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(rider types.ID) string { return "promo:" + string(rider) }

func appliedKey(rental types.ID) string { return "promo:applied:" + string(rental) }

// appliedTTL keeps a redemption answerable for retried ends of the same rental.
const appliedTTL = 7 * 24 * time.Hour

// redeemScript moves the rider's pending discount onto the rental in one step.
// Later calls for the same rental read the recorded amount back; a rental
// whose rider had nothing pending records "0".
var redeemScript = redis.NewScript(`
local applied = redis.call('GET', KEYS[2])
if applied then
	return applied
end
local pending = redis.call('GET', KEYS[1])
if not pending then
	pending = '0'
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], pending, 'EX', ARGV[1])
return pending
`)

// Grant gives rider a flat discount for their next trip. A ttl of zero keeps
// it until redeemed.
func (s *Store) Grant(ctx context.Context, rider types.ID, cents int64, ttl time.Duration) error {
	if rider == "" || cents <= 0 {
		return fmt.Errorf("promotion %d for %q: %w", cents, rider, fault.ErrBadRequest)
	}
	return s.rdb.Set(ctx, key(rider), strconv.FormatInt(cents, 10), ttl).Err()
}

// Discount redeems the rider's pending discount for rental. Every call for
// the same rental returns the same amount, and the rider's pending discount
// goes to at most one rental.
func (s *Store) Discount(ctx context.Context, rental, rider types.ID, total types.Money) (types.Money, error) {
	zero := types.Money{Currency: total.Currency}
	if rental == "" {
		return zero, fmt.Errorf("promotion for %s without rental: %w", rider, fault.ErrBadRequest)
	}
	raw, err := redeemScript.Run(ctx, s.rdb,
		[]string{key(rider), appliedKey(rental)}, int64(appliedTTL/time.Second)).Text()
	if errors.Is(err, redis.Nil) {
		return zero, nil
	}
	if err != nil {
		return zero, err
	}
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return zero, fmt.Errorf("promotion for %s %q: %w", rider, raw, err)
	}
	return types.Money{Amount: cents, Currency: total.Currency}, nil
}
