package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mt5session/internal/protocol"
	"mt5session/internal/registry"
	"mt5session/internal/session"
	"mt5session/internal/terminal"
	"mt5session/internal/transport"
	"mt5session/internal/watchdog"
)

// fakeTerminal answers requests from canned frames
type fakeTerminal struct {
	replies map[string]string
	err     error
	calls   []session.Call
}

func (f *fakeTerminal) Request(ctx context.Context, call session.Call) ([]protocol.Message, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.replies[call.Command]
	if !ok {
		return nil, nil
	}
	msg, err := protocol.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	return []protocol.Message{msg}, nil
}

func TestAccountInfo(t *testing.T) {
	ctx := context.Background()
	f := &fakeTerminal{replies: map[string]string{
		"F000": "F000^1^OK",
		"F001": "F001^1^John Doe^12345^USD^demo^100^1^200^50.0^30.0^Example Broker",
		"F002": "F002^1^10000.5^10100.25^99.75^500^2020^9600.25",
		"F003": "F003^2^5^100^0.01^0.01^0.00001^0.00001^1^-2.5^0.3^10^100000",
		"F005": "F005^1^1735800000",
		"F006": "F006^1^x^y^Demo",
		"F007": "F007^2^3^EURUSD^GBPUSD^USDJPY",
		"F008": "F008^2^EURUSD^OK",
		"F011": "F011^1^1",
		"F012": "F012^1^MT5^4620^2024.11.06",
		"F020": "F020^2^1735800000^1.0812^1.0814^0^12^2^1735800000123",
		"F061": "F061^1^1001$EURUSD$2001$BUY$7$0.10$1.0800$1735790000$1.07$1.09$grid$12.5$-0.3$-0.7^1002$GBPUSD$2002$SELL$7$0.20$1.2700$1735791000$0$0$$-4$0$0",
	}}

	t.Run("check connection", func(t *testing.T) {
		ok, err := CheckConnection(ctx, f)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("static", func(t *testing.T) {
		info, err := GetStaticAccountInfo(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "12345", info.Login)
		assert.Equal(t, int64(100), info.Leverage)
		assert.True(t, info.TradeAllowed)
		assert.Equal(t, 30.0, info.MarginClose)
		assert.Equal(t, "Example Broker", info.Company)
	})

	t.Run("dynamic", func(t *testing.T) {
		info, err := GetDynamicAccountInfo(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, 10000.5, info.Balance)
		assert.Equal(t, 9600.25, info.MarginFree)
	})

	t.Run("instrument", func(t *testing.T) {
		info, err := GetInstrumentInfo(ctx, f, "EURUSD")
		require.NoError(t, err)
		assert.Equal(t, "EURUSD", info.Instrument)
		assert.Equal(t, int64(5), info.Digits)
		assert.Equal(t, -2.5, info.SwapLong)
		assert.Equal(t, 100000.0, info.ContractSize)
		assert.Equal(t, []string{"EURUSD"}, f.calls[len(f.calls)-1].Params)
	})

	t.Run("server time", func(t *testing.T) {
		ts, err := ServerTime(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, time.Unix(1735800000, 0).UTC(), ts)
	})

	t.Run("terminal checks", func(t *testing.T) {
		connected, err := TerminalServerConnected(ctx, f)
		require.NoError(t, err)
		assert.True(t, connected)

		kind, err := TerminalType(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "MT5", kind)

		license, err := License(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "Demo", license)

		allowed, err := TradingAllowed(ctx, f, "EURUSD")
		require.NoError(t, err)
		assert.True(t, allowed)

		instruments, err := Instruments(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, instruments)
	})

	t.Run("last tick", func(t *testing.T) {
		tick, err := LastTick(ctx, f, "EURUSD")
		require.NoError(t, err)
		assert.Equal(t, 1.0812, tick.Bid)
		assert.Equal(t, 1.0814, tick.Ask)
		assert.Equal(t, int64(12), tick.Volume)
		assert.Equal(t, int64(1735800000123), tick.DateMs)
	})

	t.Run("open positions", func(t *testing.T) {
		positions, err := OpenPositions(ctx, f)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, int64(1001), positions[0].Ticket)
		assert.Equal(t, "EURUSD", positions[0].Instrument)
		assert.Equal(t, "BUY", positions[0].Type)
		assert.Equal(t, "grid", positions[0].Comment)
		assert.Equal(t, -0.7, positions[0].Commission)
		assert.Equal(t, "", positions[1].Comment)
		assert.Equal(t, -4.0, positions[1].Profit)
	})
}

func TestAccountErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no data", func(t *testing.T) {
		_, err := GetDynamicAccountInfo(ctx, &fakeTerminal{})
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("request error", func(t *testing.T) {
		_, err := ServerTime(ctx, &fakeTerminal{err: registry.ErrConnectionLost})
		assert.ErrorIs(t, err, registry.ErrConnectionLost)
	})

	t.Run("short reply", func(t *testing.T) {
		f := &fakeTerminal{replies: map[string]string{"F002": "F002^1^100^101"}}
		_, err := GetDynamicAccountInfo(ctx, f)
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	})

	t.Run("bad number", func(t *testing.T) {
		f := &fakeTerminal{replies: map[string]string{"F005": "F005^1^yesterday"}}
		_, err := ServerTime(ctx, f)
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	})

	t.Run("bad position", func(t *testing.T) {
		f := &fakeTerminal{replies: map[string]string{"F061": "F061^1^1001$EURUSD"}}
		_, err := OpenPositions(ctx, f)
		assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))
	})
}

func TestSubscribeAccountSummary(t *testing.T) {
	mem := transport.NewMemory()
	s, err := session.New(session.Options{
		Identity:  session.Identity{Host: "127.0.0.1", Port: 15556, Mode: "EA", ClientID: "acct"},
		Transport: mem,
		Terminal:  terminal.Config{HandshakeAttempts: 1, HandshakeTimeout: time.Second},
		Watchdog:  watchdog.Config{Interval: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	updates := make(chan *DynamicAccountInfo, 1)
	published := make(chan any, 1)
	require.NoError(t, s.SubscribeEvent(SummaryEvent("12345"), func(payload any) { published <- payload }))

	sub, err := SubscribeAccountSummary(context.Background(), s, "12345", func(info *DynamicAccountInfo) {
		updates <- info
	})
	require.NoError(t, err)
	assert.Equal(t, "accountSummary", sub.Name)
	assert.Equal(t, "accountSummary-12345", sub.Event)

	require.NoError(t, mem.Push([]byte("F002^1^10000^10050^50^200^5025^9850")))

	select {
	case info := <-updates:
		assert.Equal(t, 10050.0, info.Equity)
	case <-time.After(3 * time.Second):
		t.Fatal("account summary not delivered")
	}
	select {
	case <-published:
	case <-time.After(3 * time.Second):
		t.Fatal("account summary not published")
	}
}
