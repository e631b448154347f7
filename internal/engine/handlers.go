package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opex/trading-engine/internal/command"
	"github.com/opex/trading-engine/internal/fixedpoint"
	"github.com/opex/trading-engine/internal/ledger"
	"github.com/opex/trading-engine/internal/metrics"
	"github.com/opex/trading-engine/internal/model"
)

// Response messages. Kept byte-for-byte as the gateway already matches on
// them, typos included.
const (
	msgUserAdded       = "User added to in memory successfully"
	msgOrderCreated    = "Order Created"
	msgOrderClosed     = "Order Closed"
	msgSlippage        = "Price slippage exceded"
	msgUnknownUser     = "User does not exists (User not found in balances array)"
	msgUnknownAsset    = "Asset does not exists (Asset not found in currentPrices)"
	msgUnknownOrder    = "Order does not exists (Order not found in OpenOrders)"
	msgLowBalance      = "User does not have enough balance"
	msgTradeSaveFailed = "Failed to save trade"
)

var unitDec = decimal.NewFromInt(fixedpoint.Unit)

// apply routes one decoded command to its handler. During replay no
// responses or notifications are produced; handlers still run their full
// effects, including durable writes, relying on duplicate-key
// reconciliation to keep the ledger single-entry.
func (e *Engine) apply(ctx context.Context, cmd command.Command, replay bool) (*command.Response, error) {
	var (
		resp *command.Response
		err  error
	)

	switch cmd.Type {
	case command.TypeUserSignup, command.TypeUserSignin:
		resp, err = e.handleUserAuth(ctx, cmd, replay)
	case command.TypePriceUpdate:
		err = e.handlePriceUpdate(ctx, cmd, replay)
	case command.TypeTradeOpen:
		resp, err = e.handleTradeOpen(ctx, cmd, replay)
	case command.TypeTradeClose:
		resp, err = e.handleTradeClose(ctx, cmd, replay)
	case command.TypeGetAssetBal:
		resp, err = e.handleGetAssetBal(cmd)
	case command.TypeGetUserBal:
		resp, err = e.handleGetUserBal(cmd)
	case command.TypeOpenTradesFetch:
		resp, err = e.handleOpenTradesFetch(cmd)
	default:
		return nil, fmt.Errorf("%w: %q", command.ErrUnknownType, cmd.Type)
	}

	if err != nil {
		return nil, err
	}
	if replay {
		return nil, nil
	}
	return resp, nil
}

// handleUserAuth registers the user in memory, funded with the balance
// carried in the payload. Re-authenticating an existing user is a no-op
// that still acks, so signin never wipes live state.
func (e *Engine) handleUserAuth(ctx context.Context, cmd command.Command, replay bool) (*command.Response, error) {
	user, err := cmd.UserPayload()
	if err != nil {
		return nil, err
	}

	if _, ok := e.balances[user.ID]; !ok {
		e.balances[user.ID] = model.Balance{Amount: user.Balance, Scale: user.Scale}
	}
	if _, ok := e.positions[user.ID]; !ok {
		e.positions[user.ID] = nil
	}

	return command.Ack(cmd.Type, cmd.ReqID, command.AuthAck{Message: msgUserAdded}), nil
}

// handlePriceUpdate replaces the quote for every asset in the tick and then
// sweeps open positions for liquidation. It produces no response.
func (e *Engine) handlePriceUpdate(ctx context.Context, cmd command.Command, replay bool) error {
	prices, err := cmd.Prices()
	if err != nil {
		return err
	}

	for asset, quote := range prices {
		quote.Asset = asset
		e.quotes[asset] = quote
	}

	e.sweepLiquidations(ctx, prices, replay)
	return nil
}

// sweepLiquidations force-closes every position whose unrealized loss at
// the new quote exceeds 90% of its loss capacity. Each position is judged
// once per tick; one removed earlier in the sweep is not reconsidered.
func (e *Engine) sweepLiquidations(ctx context.Context, tick map[string]model.Quote, replay bool) {
	for userID, orders := range e.positions {
		kept := orders[:0]
		for _, pos := range orders {
			quote, ticked := tick[pos.Asset]
			if !ticked {
				kept = append(kept, pos)
				continue
			}

			pnl := positionPnl(pos, closePriceFor(pos.Side, quote))
			lossCapacity := fixedpoint.FromDecimal(
				decimal.NewFromInt(pos.Margin).
					Div(decimal.NewFromInt(int64(pos.Leverage))).
					Div(unitDec))

			// pnl < -0.9*lossCapacity, kept in integers.
			if 10*pnl >= -9*lossCapacity {
				kept = append(kept, pos)
				continue
			}

			e.forceClose(ctx, userID, pos, quote, pnl, replay)
		}
		e.positions[userID] = kept
	}
}

// forceClose liquidates one position. The in-memory effects commit first;
// a failed ledger write is logged and not rolled back, which is a known
// durability gap on this path.
func (e *Engine) forceClose(ctx context.Context, userID string, pos model.Position, quote model.Quote, pnl int64, replay bool) {
	bal := e.balances[userID]
	bal.Amount += pnl + pos.Margin
	if bal.Scale == 0 {
		bal.Scale = fixedpoint.Scale
	}
	e.balances[userID] = bal

	metrics.OpenPositions.Dec()
	metrics.LiquidationsTotal.Inc()
	slog.Warn("position liquidated", "user_id", userID, "order_id", pos.ID,
		"asset", pos.Asset, "pnl", pnl)

	trade := e.closedTrade(userID, pos, closePriceFor(pos.Side, quote), pnl, true)
	if err := e.trades.RecordClose(ctx, trade, e.balances[userID]); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTrade) {
			metrics.DuplicateTradeWrites.Inc()
		} else {
			slog.Error("failed to record liquidation", "order_id", pos.ID, "err", err)
		}
	}

	if !replay {
		e.notify(ctx, userID, "liquidation")
	}
}

// handleTradeOpen opens a leveraged position at the current quote, after
// slippage and balance checks, and debits the margin.
func (e *Engine) handleTradeOpen(ctx context.Context, cmd command.Command, replay bool) (*command.Response, error) {
	info, err := cmd.OrderRequest()
	if err != nil {
		return nil, err
	}

	quote, ok := e.quotes[info.Asset]
	if !ok {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownAsset), nil
	}
	bal, ok := e.balances[cmd.UserID]
	if !ok {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownUser), nil
	}

	execPrice := quote.BidPrice
	if info.Side == model.Long {
		execPrice = quote.AskPrice
	}

	drift := math.Abs(float64(execPrice-info.OpenPrice)) / float64(info.OpenPrice) * 100
	if drift > info.Slippage/100 {
		return command.Err(cmd.Type, cmd.ReqID, msgSlippage), nil
	}

	margin := fixedpoint.FromDecimal(
		decimal.NewFromInt(execPrice).
			Mul(info.Quantity.Decimal).
			Div(decimal.NewFromInt(int64(info.Leverage))).
			Div(unitDec))
	if bal.Amount-margin < 0 {
		return command.Err(cmd.Type, cmd.ReqID, msgLowBalance), nil
	}

	bal.Amount -= margin
	e.balances[cmd.UserID] = bal

	pos := model.Position{
		ID:        orderID(cmd.ReqID),
		Side:      info.Side,
		Asset:     info.Asset,
		Leverage:  info.Leverage,
		Quantity:  info.Quantity,
		Margin:    margin,
		OpenPrice: execPrice,
	}
	e.positions[cmd.UserID] = append(e.positions[cmd.UserID], pos)
	metrics.OpenPositions.Inc()

	if !replay {
		e.notify(ctx, cmd.UserID, "trade-open")
	}
	return command.Ack(cmd.Type, cmd.ReqID, command.OpenAck{
		Message: msgOrderCreated,
		OrderID: pos.ID,
		Order:   pos,
	}), nil
}

// handleTradeClose closes a position at the current quote and settles the
// realized pnl. The ledger transaction commits before memory changes: if
// the write fails the caller gets an error and state is untouched, and a
// duplicate-key rejection means a prior life already committed this close,
// so the memory effects are applied and the command acks.
func (e *Engine) handleTradeClose(ctx context.Context, cmd command.Command, replay bool) (*command.Response, error) {
	idx := e.findPosition(cmd.UserID, cmd.OrderID)
	if idx < 0 {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownOrder), nil
	}
	pos := e.positions[cmd.UserID][idx]

	quote, ok := e.quotes[pos.Asset]
	if !ok {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownAsset), nil
	}

	closePrice := closePriceFor(pos.Side, quote)
	pnl := positionPnl(pos, closePrice)

	bal := e.balances[cmd.UserID]
	bal.Amount += pnl + pos.Margin
	if bal.Scale == 0 {
		bal.Scale = fixedpoint.Scale
	}

	trade := e.closedTrade(cmd.UserID, pos, closePrice, pnl, false)
	if err := e.trades.RecordClose(ctx, trade, bal); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateTrade) {
			slog.Error("failed to record trade close", "order_id", pos.ID, "err", err)
			return command.Err(cmd.Type, cmd.ReqID, msgTradeSaveFailed), nil
		}
		metrics.DuplicateTradeWrites.Inc()
	}

	e.balances[cmd.UserID] = bal
	e.removePosition(cmd.UserID, idx)
	metrics.OpenPositions.Dec()

	if !replay {
		e.notify(ctx, cmd.UserID, "trade-close")
	}
	return command.Ack(cmd.Type, cmd.ReqID, command.CloseAck{
		Message: msgOrderClosed,
		OrderID: pos.ID,
		UserBal: bal,
	}), nil
}

// handleGetAssetBal reports per-asset margin exposure: +margin for longs,
// -margin for shorts. Every quoted asset appears, at zero when the user
// has no position on it.
func (e *Engine) handleGetAssetBal(cmd command.Command) (*command.Response, error) {
	if _, ok := e.balances[cmd.UserID]; !ok {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownUser), nil
	}

	assetBal := make(map[string]model.Balance, len(e.quotes))
	for asset := range e.quotes {
		assetBal[asset] = model.Balance{Scale: fixedpoint.Scale}
	}
	for _, pos := range e.positions[cmd.UserID] {
		entry := assetBal[pos.Asset]
		entry.Scale = fixedpoint.Scale
		if pos.Side == model.Long {
			entry.Amount += pos.Margin
		} else {
			entry.Amount -= pos.Margin
		}
		assetBal[pos.Asset] = entry
	}

	return command.Ack(cmd.Type, cmd.ReqID, command.AssetBalAck{AssetBal: assetBal}), nil
}

func (e *Engine) handleGetUserBal(cmd command.Command) (*command.Response, error) {
	bal, ok := e.balances[cmd.UserID]
	if !ok {
		return command.Err(cmd.Type, cmd.ReqID, msgUnknownUser), nil
	}
	return command.Ack(cmd.Type, cmd.ReqID, command.UserBalAck{UserBal: bal}), nil
}

func (e *Engine) handleOpenTradesFetch(cmd command.Command) (*command.Response, error) {
	trades := e.positions[cmd.UserID]
	if trades == nil {
		trades = []model.Position{}
	}
	return command.Ack(cmd.Type, cmd.ReqID, command.OpenTradesAck{Trades: trades}), nil
}

// notify publishes a fire-and-forget cache-invalidation event for the user.
func (e *Engine) notify(ctx context.Context, userID, event string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyUser(ctx, userID, event); err != nil {
		slog.Error("user notification failed", "user_id", userID, "event", event, "err", err)
	}
}

func (e *Engine) findPosition(userID, orderID string) int {
	for i, pos := range e.positions[userID] {
		if pos.ID == orderID {
			return i
		}
	}
	return -1
}

func (e *Engine) removePosition(userID string, idx int) {
	orders := e.positions[userID]
	e.positions[userID] = append(orders[:idx], orders[idx+1:]...)
}

func (e *Engine) closedTrade(userID string, pos model.Position, closePrice, pnl int64, liquidated bool) *model.ClosedTrade {
	return &model.ClosedTrade{
		ID:         pos.ID,
		UserID:     userID,
		Asset:      pos.Asset,
		Side:       pos.Side,
		Leverage:   pos.Leverage,
		Quantity:   pos.Quantity,
		Margin:     pos.Margin,
		OpenPrice:  pos.OpenPrice,
		ClosePrice: closePrice,
		Pnl:        pnl,
		Scale:      fixedpoint.Scale,
		Liquidated: liquidated,
		CreatedAt:  e.now().UTC(),
	}
}

// closePriceFor is the price a position settles at: longs sell into the
// bid, shorts buy back at the ask.
func closePriceFor(side model.Side, quote model.Quote) int64 {
	if side == model.Long {
		return quote.BidPrice
	}
	return quote.AskPrice
}

// positionPnl is the realized pnl of pos settled at closePrice.
func positionPnl(pos model.Position, closePrice int64) int64 {
	priceChange := closePrice - pos.OpenPrice
	if pos.Side == model.Short {
		priceChange = -priceChange
	}
	return fixedpoint.FromDecimal(
		decimal.NewFromInt(priceChange).
			Mul(decimal.NewFromInt(int64(pos.Leverage))).
			Mul(pos.Quantity.Decimal).
			Div(unitDec))
}

// orderID derives the position id deterministically from the request id,
// so a crash-replayed trade-open recreates the same position and its
// eventual ledger row keeps the same primary key.
func orderID(reqID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("opex://order/"+reqID)).String()
}
