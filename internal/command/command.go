// Package command defines the wire format of the command and response logs.
//
// A command log entry is a flat field map tagged by "type". The user,
// tradeInfo and tradePrices fields carry JSON text nested inside the
// entry; existing producers encode them that way, so the encoding is kept
// for wire compatibility with streams written before this engine.
package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opex/trading-engine/internal/model"
	"github.com/opex/trading-engine/internal/symbol"
)

// Command types. The dispatch over these is closed: anything else is a
// malformed command.
const (
	TypeUserSignup      = "user-signup"
	TypeUserSignin      = "user-signin"
	TypePriceUpdate     = "price-update"
	TypeTradeOpen       = "trade-open"
	TypeTradeClose      = "trade-close"
	TypeGetAssetBal     = "get-asset-bal"
	TypeGetUserBal      = "get-user-bal"
	TypeOpenTradesFetch = "open-trades-fetch"
)

var (
	ErrUnknownType  = errors.New("command: unknown command type")
	ErrMissingField = errors.New("command: missing field")
	ErrBadPayload   = errors.New("command: invalid nested payload")
)

// Command is one decoded command log entry.
type Command struct {
	ID    string // log entry id, assigned by the stream
	Type  string
	ReqID string

	UserID  string // trade-open, trade-close, balance and trade queries
	OrderID string // trade-close

	// Nested JSON payloads, decoded on demand.
	User        string // user-signup / user-signin
	TradeInfo   string // trade-open
	TradePrices string // price-update
}

// UserPayload is the record nested in an auth command.
type UserPayload struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Scale   int    `json:"decimal"`
}

// OrderRequest is the record nested in a trade-open command.
type OrderRequest struct {
	Side      model.Side     `json:"type"`
	Asset     string         `json:"asset"`
	Leverage  int            `json:"leverage"`
	Quantity  model.Quantity `json:"quantity"`
	OpenPrice int64          `json:"openPrice"`
	Slippage  float64        `json:"slippage"`
}

// FromValues decodes one stream entry into a Command, validating that the
// fields required by its type are present. The nested payloads are kept as
// raw JSON; handlers decode them with the typed accessors below.
func FromValues(id string, values map[string]any) (Command, error) {
	cmd := Command{
		ID:          id,
		Type:        str(values, "type"),
		ReqID:       str(values, "reqId"),
		UserID:      str(values, "userId"),
		OrderID:     str(values, "orderId"),
		User:        str(values, "user"),
		TradeInfo:   str(values, "tradeInfo"),
		TradePrices: str(values, "tradePrices"),
	}

	if cmd.ReqID == "" && cmd.Type != TypePriceUpdate {
		return cmd, fmt.Errorf("%w: reqId", ErrMissingField)
	}

	switch cmd.Type {
	case TypeUserSignup, TypeUserSignin:
		if cmd.User == "" {
			return cmd, fmt.Errorf("%w: user", ErrMissingField)
		}
	case TypePriceUpdate:
		if cmd.TradePrices == "" {
			return cmd, fmt.Errorf("%w: tradePrices", ErrMissingField)
		}
	case TypeTradeOpen:
		if cmd.TradeInfo == "" {
			return cmd, fmt.Errorf("%w: tradeInfo", ErrMissingField)
		}
		if cmd.UserID == "" {
			return cmd, fmt.Errorf("%w: userId", ErrMissingField)
		}
	case TypeTradeClose:
		if cmd.OrderID == "" {
			return cmd, fmt.Errorf("%w: orderId", ErrMissingField)
		}
		if cmd.UserID == "" {
			return cmd, fmt.Errorf("%w: userId", ErrMissingField)
		}
	case TypeGetAssetBal, TypeGetUserBal, TypeOpenTradesFetch:
		if cmd.UserID == "" {
			return cmd, fmt.Errorf("%w: userId", ErrMissingField)
		}
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownType, cmd.Type)
	}

	return cmd, nil
}

// UserPayload decodes the nested user record of an auth command.
func (c Command) UserPayload() (UserPayload, error) {
	var u UserPayload
	if err := json.Unmarshal([]byte(c.User), &u); err != nil {
		return u, fmt.Errorf("%w: user: %v", ErrBadPayload, err)
	}
	if u.ID == "" {
		return u, fmt.Errorf("%w: user: empty id", ErrBadPayload)
	}
	return u, nil
}

// OrderRequest decodes the nested order record of a trade-open command.
func (c Command) OrderRequest() (OrderRequest, error) {
	var o OrderRequest
	if err := json.Unmarshal([]byte(c.TradeInfo), &o); err != nil {
		return o, fmt.Errorf("%w: tradeInfo: %v", ErrBadPayload, err)
	}
	switch {
	case !o.Side.Valid():
		return o, fmt.Errorf("%w: tradeInfo: bad side %q", ErrBadPayload, o.Side)
	case !symbol.Valid(o.Asset):
		return o, fmt.Errorf("%w: tradeInfo: bad asset %q", ErrBadPayload, o.Asset)
	case o.Leverage < 1:
		return o, fmt.Errorf("%w: tradeInfo: leverage below 1", ErrBadPayload)
	case !o.Quantity.IsPositive():
		return o, fmt.Errorf("%w: tradeInfo: non-positive quantity", ErrBadPayload)
	case o.OpenPrice <= 0:
		return o, fmt.Errorf("%w: tradeInfo: non-positive openPrice", ErrBadPayload)
	case o.Slippage < 0 || o.Slippage > 100:
		return o, fmt.Errorf("%w: tradeInfo: slippage out of range", ErrBadPayload)
	}
	return o, nil
}

// Prices decodes the nested asset→quote map of a price-update command.
func (c Command) Prices() (map[string]model.Quote, error) {
	var prices map[string]model.Quote
	if err := json.Unmarshal([]byte(c.TradePrices), &prices); err != nil {
		return nil, fmt.Errorf("%w: tradePrices: %v", ErrBadPayload, err)
	}
	return prices, nil
}

func str(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
