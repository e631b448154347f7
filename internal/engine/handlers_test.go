package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opex/trading-engine/internal/command"
	"github.com/opex/trading-engine/internal/engine"
	"github.com/opex/trading-engine/internal/ledger"
	"github.com/opex/trading-engine/internal/model"
	"github.com/opex/trading-engine/internal/snapshot"
	"github.com/opex/trading-engine/internal/stream"
)

const (
	testUser  = "user-1"
	testAsset = "BTC_USDT_PERP"
)

type fixture struct {
	engine    *engine.Engine
	log       *stream.MemoryLog
	responses *stream.MemoryPublisher
	notifier  *stream.MemoryNotifier
	trades    *ledger.MemoryWriter
	snapshots *snapshot.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:       stream.NewMemoryLog(),
		responses: stream.NewMemoryPublisher(),
		notifier:  stream.NewMemoryNotifier(),
		trades:    ledger.NewMemoryWriter(),
		snapshots: snapshot.NewMemoryStore(),
	}
	f.engine = engine.New(f.log, f.responses, f.notifier, f.trades, f.snapshots, engine.Options{})
	return f
}

var nextID int

func cmd(t *testing.T, values map[string]any) command.Command {
	t.Helper()
	nextID++
	c, err := command.FromValues(fmt.Sprintf("%d-0", nextID), values)
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	return c
}

func (f *fixture) signup(t *testing.T, userID string, balance int64) {
	t.Helper()
	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type":  command.TypeUserSignup,
		"reqId": "req-signup-" + userID,
		"user":  fmt.Sprintf(`{"id":%q,"balance":%d,"decimal":4}`, userID, balance),
	}))
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if resp.Type != "user-signup-ack" {
		t.Fatalf("signup response = %s, want user-signup-ack", resp.Type)
	}
}

func (f *fixture) tick(t *testing.T, asset string, ask, bid int64) {
	t.Helper()
	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type":        command.TypePriceUpdate,
		"tradePrices": fmt.Sprintf(`{%q:{"ask_price":%d,"bid_price":%d,"decimal":4}}`, asset, ask, bid),
	}))
	if err != nil {
		t.Fatalf("price update: %v", err)
	}
	if resp != nil {
		t.Fatalf("price update produced a response: %+v", resp)
	}
}

func (f *fixture) open(t *testing.T, reqID string, info string) *command.Response {
	t.Helper()
	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type":      command.TypeTradeOpen,
		"reqId":     reqID,
		"userId":    testUser,
		"tradeInfo": info,
	}))
	if err != nil {
		t.Fatalf("trade open: %v", err)
	}
	return resp
}

func (f *fixture) close(t *testing.T, reqID, orderID string) *command.Response {
	t.Helper()
	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type":    command.TypeTradeClose,
		"reqId":   reqID,
		"userId":  testUser,
		"orderId": orderID,
	}))
	if err != nil {
		t.Fatalf("trade close: %v", err)
	}
	return resp
}

// openLong opens the reference position: ask 10000, qty 100, leverage 10,
// which reserves a margin of 100000.
func (f *fixture) openLong(t *testing.T, reqID string) string {
	t.Helper()
	resp := f.open(t, reqID,
		`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10000,"slippage":1}`)
	ack, ok := resp.Payload.(command.OpenAck)
	if !ok {
		t.Fatalf("open payload = %T (%+v), want OpenAck", resp.Payload, resp.Payload)
	}
	return ack.OrderID
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	bal, ok := f.engine.Balance(userID)
	if !ok {
		t.Fatalf("no balance for %s", userID)
	}
	return bal.Amount
}

func TestOpenTradeDebitsMarginAndCreatesPosition(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)

	orderID := f.openLong(t, "req-open-1")

	if got := f.balance(t, testUser); got != 4_900_000 {
		t.Errorf("balance = %d, want 4900000", got)
	}
	positions := f.engine.Positions(testUser)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.ID != orderID {
		t.Errorf("position id = %s, want %s", pos.ID, orderID)
	}
	if pos.Margin != 100_000 {
		t.Errorf("margin = %d, want 100000", pos.Margin)
	}
	if pos.OpenPrice != 10_000 {
		t.Errorf("open price = %d, want 10000", pos.OpenPrice)
	}
	if pos.Side != model.Long {
		t.Errorf("side = %s, want long", pos.Side)
	}
}

func TestOpenTradeIsDeterministicPerRequest(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)

	g := newFixture(t)
	g.signup(t, testUser, 5_000_000)
	g.tick(t, testAsset, 10_000, 9_990)

	if a, b := f.openLong(t, "req-open-1"), g.openLong(t, "req-open-1"); a != b {
		t.Errorf("same request id produced different order ids: %s vs %s", a, b)
	}
}

func TestOpenTradeUnknownAsset(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)

	resp := f.open(t, "req-open-1",
		`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10000,"slippage":1}`)
	assertErr(t, resp, "trade-open-err", "Asset does not exists (Asset not found in currentPrices)")
	if len(f.engine.Positions(testUser)) != 0 {
		t.Error("rejected open created a position")
	}
}

func TestOpenTradeUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.tick(t, testAsset, 10_000, 9_990)

	resp := f.open(t, "req-open-1",
		`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10000,"slippage":1}`)
	assertErr(t, resp, "trade-open-err", "User does not exists (User not found in balances array)")
}

func TestOpenTradeInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 99_999) // one tick below the 100000 margin
	f.tick(t, testAsset, 10_000, 9_990)

	resp := f.open(t, "req-open-1",
		`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10000,"slippage":1}`)
	assertErr(t, resp, "trade-open-err", "User does not have enough balance")
	if got := f.balance(t, testUser); got != 99_999 {
		t.Errorf("balance mutated on rejection: %d", got)
	}
}

func TestOpenTradeZeroSlippageRejectsAnyDrift(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)

	resp := f.open(t, "req-open-1",
		`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":9999,"slippage":0}`)
	assertErr(t, resp, "trade-open-err", "Price slippage exceded")
	if got := f.balance(t, testUser); got != 5_000_000 {
		t.Errorf("balance mutated on rejection: %d", got)
	}
	if len(f.engine.Positions(testUser)) != 0 {
		t.Error("rejected open created a position")
	}
}

func TestCloseTradeSettlesPnl(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	orderID := f.openLong(t, "req-open-1")

	// Longs settle into the bid: priceChange 500 at leverage 10, qty 100.
	f.tick(t, testAsset, 10_510, 10_500)
	resp := f.close(t, "req-close-1", orderID)

	ack, ok := resp.Payload.(command.CloseAck)
	if !ok {
		t.Fatalf("close payload = %T, want CloseAck", resp.Payload)
	}
	if resp.Type != "trade-close-ack" {
		t.Errorf("response type = %s, want trade-close-ack", resp.Type)
	}
	if ack.UserBal.Amount != 5_500_000 {
		t.Errorf("acked balance = %d, want 5500000", ack.UserBal.Amount)
	}
	if got := f.balance(t, testUser); got != 5_500_000 {
		t.Errorf("balance = %d, want 5500000", got)
	}
	if len(f.engine.Positions(testUser)) != 0 {
		t.Error("closed position still open")
	}

	trade, ok := f.trades.Trade(orderID)
	if !ok {
		t.Fatal("no ledger row for closed trade")
	}
	if trade.Liquidated {
		t.Error("voluntary close recorded as liquidated")
	}
	if trade.Pnl != 500_000 {
		t.Errorf("ledger pnl = %d, want 500000", trade.Pnl)
	}
	if trade.ClosePrice != 10_500 {
		t.Errorf("ledger close price = %d, want 10500", trade.ClosePrice)
	}
}

func TestCloseUnknownOrder(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	f.openLong(t, "req-open-1")

	resp := f.close(t, "req-close-1", "nope")
	assertErr(t, resp, "trade-close-err", "Order does not exists (Order not found in OpenOrders)")
	if got := f.balance(t, testUser); got != 4_900_000 {
		t.Errorf("balance mutated: %d", got)
	}
	if len(f.engine.Positions(testUser)) != 1 {
		t.Error("position set mutated")
	}
}

func TestCloseDuplicateKeyReconciles(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	orderID := f.openLong(t, "req-open-1")

	// A row with this id already committed before a crash.
	f.trades.SeedTrade(model.ClosedTrade{ID: orderID, UserID: testUser})

	f.tick(t, testAsset, 10_510, 10_500)
	resp := f.close(t, "req-close-1", orderID)
	if resp.Type != "trade-close-ack" {
		t.Fatalf("response type = %s, want trade-close-ack", resp.Type)
	}
	if got := f.balance(t, testUser); got != 5_500_000 {
		t.Errorf("balance = %d, want 5500000", got)
	}
	if len(f.engine.Positions(testUser)) != 0 {
		t.Error("position not removed on reconciliation")
	}
}

func TestClosePersistenceFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	orderID := f.openLong(t, "req-open-1")

	f.trades.FailNext(errors.New("connection reset"))
	resp := f.close(t, "req-close-1", orderID)

	assertErr(t, resp, "trade-close-err", "Failed to save trade")
	if got := f.balance(t, testUser); got != 4_900_000 {
		t.Errorf("balance mutated despite failed write: %d", got)
	}
	if len(f.engine.Positions(testUser)) != 1 {
		t.Error("position removed despite failed write")
	}
}

func TestLiquidationSweep(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	orderID := f.openLong(t, "req-open-1")

	before := len(f.responses.Responses())
	// pnl at bid 8000 is -2000000, far past 90% of the 10000 loss capacity.
	f.tick(t, testAsset, 8_010, 8_000)

	if len(f.engine.Positions(testUser)) != 0 {
		t.Fatal("position survived liquidation")
	}
	if got := f.balance(t, testUser); got != 3_000_000 {
		t.Errorf("balance = %d, want 3000000", got)
	}

	trade, ok := f.trades.Trade(orderID)
	if !ok {
		t.Fatal("no ledger row for liquidation")
	}
	if !trade.Liquidated {
		t.Error("liquidation recorded with liquidated=false")
	}
	if trade.Pnl != -2_000_000 {
		t.Errorf("ledger pnl = %d, want -2000000", trade.Pnl)
	}

	if got := len(f.responses.Responses()); got != before {
		t.Errorf("price-update published %d responses, want none", got-before)
	}
	if events := f.notifier.Events(testUser); len(events) == 0 || events[len(events)-1] != "liquidation" {
		t.Errorf("events = %v, want trailing liquidation", events)
	}
}

func TestLiquidationLedgerFailureIsNotRolledBack(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	f.openLong(t, "req-open-1")

	f.trades.FailNext(errors.New("connection reset"))
	f.tick(t, testAsset, 8_010, 8_000)

	// The in-memory close commits even though the ledger write was lost.
	if len(f.engine.Positions(testUser)) != 0 {
		t.Error("position survived liquidation")
	}
	if got := f.balance(t, testUser); got != 3_000_000 {
		t.Errorf("balance = %d, want 3000000", got)
	}
	if got := len(f.trades.Trades()); got != 0 {
		t.Errorf("ledger rows = %d, want 0", got)
	}
}

func TestShortPositionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_010, 10_000)

	// Shorts execute at the bid and buy back at the ask.
	resp := f.open(t, "req-open-1",
		`{"type":"short","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10000,"slippage":1}`)
	ack, ok := resp.Payload.(command.OpenAck)
	if !ok {
		t.Fatalf("open payload = %T, want OpenAck", resp.Payload)
	}
	if ack.Order.OpenPrice != 10_000 {
		t.Errorf("short open price = %d, want bid 10000", ack.Order.OpenPrice)
	}

	f.tick(t, testAsset, 9_500, 9_490)
	closeResp := f.close(t, "req-close-1", ack.OrderID)
	closeAck := closeResp.Payload.(command.CloseAck)

	// priceChange 500 in the short's favor: pnl 500000 plus margin 100000.
	if closeAck.UserBal.Amount != 5_500_000 {
		t.Errorf("balance = %d, want 5500000", closeAck.UserBal.Amount)
	}
}

func TestAuthIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.signup(t, testUser, 1) // signin must not reset live balances

	if got := f.balance(t, testUser); got != 5_000_000 {
		t.Errorf("balance = %d, want 5000000", got)
	}
}

func TestGetUserBal(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)

	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type": command.TypeGetUserBal, "reqId": "req-bal-1", "userId": testUser,
	}))
	if err != nil {
		t.Fatalf("get-user-bal: %v", err)
	}
	ack := resp.Payload.(command.UserBalAck)
	if ack.UserBal.Amount != 5_000_000 || ack.UserBal.Scale != 4 {
		t.Errorf("user bal = %+v, want 5000000 at scale 4", ack.UserBal)
	}

	resp, err = f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type": command.TypeGetUserBal, "reqId": "req-bal-2", "userId": "ghost",
	}))
	if err != nil {
		t.Fatalf("get-user-bal: %v", err)
	}
	assertErr(t, resp, "get-user-bal-err", "User does not exists (User not found in balances array)")
}

func TestGetAssetBalSignsExposureBySide(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)
	f.tick(t, testAsset, 10_000, 9_990)
	f.tick(t, "ETH_USDT_PERP", 2_010, 2_000)

	f.openLong(t, "req-open-1")
	f.open(t, "req-open-2",
		`{"type":"short","asset":"ETH_USDT_PERP","leverage":5,"quantity":50,"openPrice":2000,"slippage":1}`)

	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type": command.TypeGetAssetBal, "reqId": "req-ab-1", "userId": testUser,
	}))
	if err != nil {
		t.Fatalf("get-asset-bal: %v", err)
	}
	ack := resp.Payload.(command.AssetBalAck)

	if got := ack.AssetBal["BTC_USDT_PERP"].Amount; got != 100_000 {
		t.Errorf("long exposure = %d, want +100000", got)
	}
	// Short margin: toScaledInt(2000*50/5/10000) = toScaledInt(2) = 20000.
	if got := ack.AssetBal["ETH_USDT_PERP"].Amount; got != -20_000 {
		t.Errorf("short exposure = %d, want -20000", got)
	}
}

func TestOpenTradesFetch(t *testing.T) {
	f := newFixture(t)
	f.signup(t, testUser, 5_000_000)

	resp, err := f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type": command.TypeOpenTradesFetch, "reqId": "req-ot-1", "userId": testUser,
	}))
	if err != nil {
		t.Fatalf("open-trades-fetch: %v", err)
	}
	ack := resp.Payload.(command.OpenTradesAck)
	if ack.Trades == nil || len(ack.Trades) != 0 {
		t.Errorf("trades = %#v, want empty non-nil slice", ack.Trades)
	}

	f.tick(t, testAsset, 10_000, 9_990)
	orderID := f.openLong(t, "req-open-1")

	resp, err = f.engine.Apply(context.Background(), cmd(t, map[string]any{
		"type": command.TypeOpenTradesFetch, "reqId": "req-ot-2", "userId": testUser,
	}))
	if err != nil {
		t.Fatalf("open-trades-fetch: %v", err)
	}
	ack = resp.Payload.(command.OpenTradesAck)
	if len(ack.Trades) != 1 || ack.Trades[0].ID != orderID {
		t.Errorf("trades = %+v, want the open position", ack.Trades)
	}
}

func TestReplayDeterminism(t *testing.T) {
	script := func(t *testing.T, f *fixture) {
		f.signup(t, testUser, 5_000_000)
		f.tick(t, testAsset, 10_000, 9_990)
		f.openLong(t, "req-open-1")
		f.tick(t, testAsset, 10_510, 10_500)
		resp := f.open(t, "req-open-2",
			`{"type":"long","asset":"BTC_USDT_PERP","leverage":10,"quantity":100,"openPrice":10510,"slippage":1}`)
		ack, ok := resp.Payload.(command.OpenAck)
		if !ok {
			t.Fatalf("open payload = %T, want OpenAck", resp.Payload)
		}
		f.close(t, "req-close-1", ack.OrderID)
	}

	a := newFixture(t)
	script(t, a)
	b := newFixture(t)
	script(t, b)

	if ab, bb := a.balance(t, testUser), b.balance(t, testUser); ab != bb {
		t.Errorf("balances diverged: %d vs %d", ab, bb)
	}

	ap, bp := a.engine.Positions(testUser), b.engine.Positions(testUser)
	if len(ap) != len(bp) {
		t.Fatalf("position counts diverged: %d vs %d", len(ap), len(bp))
	}
	for i := range ap {
		same := ap[i].ID == bp[i].ID &&
			ap[i].Side == bp[i].Side &&
			ap[i].Asset == bp[i].Asset &&
			ap[i].Leverage == bp[i].Leverage &&
			ap[i].Margin == bp[i].Margin &&
			ap[i].OpenPrice == bp[i].OpenPrice &&
			ap[i].Quantity.Equal(bp[i].Quantity.Decimal)
		if !same {
			t.Errorf("position %d diverged: %+v vs %+v", i, ap[i], bp[i])
		}
	}

	if at, bt := len(a.trades.Trades()), len(b.trades.Trades()); at != bt || at != 1 {
		t.Errorf("ledger rows = %d and %d, want exactly 1 each", at, bt)
	}
}

func assertErr(t *testing.T, resp *command.Response, wantType, wantMsg string) {
	t.Helper()
	if resp == nil {
		t.Fatal("nil response")
	}
	if resp.Type != wantType {
		t.Fatalf("response type = %s, want %s", resp.Type, wantType)
	}
	payload, ok := resp.Payload.(command.ErrPayload)
	if !ok {
		t.Fatalf("payload = %T, want ErrPayload", resp.Payload)
	}
	if payload.Message != wantMsg {
		t.Errorf("message = %q, want %q", payload.Message, wantMsg)
	}
}
