// Package ledger persists closed trades and user balances. PostgreSQL is
// the durable store; an in-memory implementation backs the tests.
//
// The trade id is the primary key, so a close that was committed before a
// crash and re-executed during replay surfaces as ErrDuplicateTrade rather
// than a second row. Callers treat that as confirmation the write already
// happened.
package ledger

import (
	"context"
	"errors"

	"github.com/opex/trading-engine/internal/model"
)

// ErrDuplicateTrade reports that a closed trade with the same id is
// already durably recorded.
var ErrDuplicateTrade = errors.New("ledger: duplicate trade id")

// Writer records one position close atomically: the immutable closed-trade
// row and the user's resulting balance go in a single transaction.
type Writer interface {
	RecordClose(ctx context.Context, trade *model.ClosedTrade, balance model.Balance) error
}
