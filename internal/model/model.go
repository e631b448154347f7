// Package model defines the core domain types shared across the trading
// engine. Monetary amounts are scaled int64 (4 implied fractional digits);
// quantities use shopspring/decimal. Never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Side is the direction of a perpetual position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// Quantity wraps decimal.Decimal so position sizes survive BSON
// round-trips; the driver cannot reflect over decimal's unexported fields.
// JSON encoding is the plain decimal number, as producers already send it.
type Quantity struct {
	decimal.Decimal
}

// NewQuantity wraps a decimal as a position quantity.
func NewQuantity(d decimal.Decimal) Quantity {
	return Quantity{Decimal: d}
}

// MarshalBSONValue encodes the quantity as a BSON string to keep it exact.
func (q Quantity) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(q.Decimal.String())
}

// UnmarshalBSONValue accepts either the string form written by this engine
// or a double written by earlier deployments.
func (q *Quantity) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.String:
		d, err := decimal.NewFromString(raw.StringValue())
		if err != nil {
			return fmt.Errorf("decode quantity %q: %w", raw.StringValue(), err)
		}
		q.Decimal = d
	case bsontype.Double:
		q.Decimal = decimal.NewFromFloat(raw.Double())
	case bsontype.Int32:
		q.Decimal = decimal.NewFromInt32(raw.Int32())
	case bsontype.Int64:
		q.Decimal = decimal.NewFromInt(raw.Int64())
	default:
		return fmt.Errorf("decode quantity: unexpected bson type %s", t)
	}
	return nil
}

// Quote is the current ask/bid for one asset, replaced wholesale on every
// price tick. Prices are scaled integers.
type Quote struct {
	Asset    string `json:"asset,omitempty" bson:"asset,omitempty"`
	AskPrice int64  `json:"ask_price" bson:"ask_price"`
	BidPrice int64  `json:"bid_price" bson:"bid_price"`
	Scale    int    `json:"decimal" bson:"decimal"`
}

// Balance is a user's free collateral.
type Balance struct {
	Amount int64 `json:"balance" bson:"balance"`
	Scale  int   `json:"decimal" bson:"decimal"`
}

// Position is an open leveraged order. ID doubles as the primary key of the
// eventual ledger row, which is what makes retried closes idempotent.
type Position struct {
	ID        string   `json:"id" bson:"id"`
	Side      Side     `json:"type" bson:"type"`
	Asset     string   `json:"asset" bson:"asset"`
	Leverage  int      `json:"leverage" bson:"leverage"`
	Quantity  Quantity `json:"quantity" bson:"quantity"`
	Margin    int64    `json:"margin" bson:"margin"`
	OpenPrice int64    `json:"openPrice" bson:"openPrice"`
}

// ClosedTrade is the immutable ledger row written when a position is closed
// or liquidated. Written exactly once per position lifecycle; a replayed
// write with the same ID is rejected by the primary-key constraint.
type ClosedTrade struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"userId" db:"user_id"`
	Asset      string    `json:"asset" db:"asset"`
	Side       Side      `json:"type" db:"type"`
	Leverage   int       `json:"leverage" db:"leverage"`
	Quantity   Quantity  `json:"quantity" db:"quantity"`
	Margin     int64     `json:"margin" db:"margin"`
	OpenPrice  int64     `json:"openPrice" db:"open_price"`
	ClosePrice int64     `json:"closePrice" db:"close_price"`
	Pnl        int64     `json:"pnl" db:"pnl"`
	Scale      int       `json:"decimal" db:"decimal"`
	Liquidated bool      `json:"liquidated" db:"liquidated"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// Snapshot is the full engine state plus the log cursor it corresponds to.
// A single logical document, fully replaced on every persist. Field names
// match the documents written by earlier deployments.
type Snapshot struct {
	Quotes        map[string]Quote      `json:"currentPrice" bson:"currentPrice"`
	Positions     map[string][]Position `json:"openOrders" bson:"openOrders"`
	Balances      map[string]Balance    `json:"userBalances" bson:"userBalances"`
	LastAppliedID string                `json:"lastConsumedStreamItemId" bson:"lastConsumedStreamItemId"`
	TakenAt       int64                 `json:"lastSnapShotAt" bson:"lastSnapShotAt"`
}
