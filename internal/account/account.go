// Package account implements the terminal capabilities on top of a session:
// health checks, account data, server time and open positions
package account

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mt5session/internal/protocol"
	"mt5session/internal/registry"
	"mt5session/internal/session"
)

// ErrNoData is returned when the terminal sent nothing before the timeout
var ErrNoData = errors.New("no data from terminal")

// Requester issues correlated requests
type Requester interface {
	Request(ctx context.Context, call session.Call) ([]protocol.Message, error)
}

// Subscriber registers streams
type Subscriber interface {
	Subscribe(ctx context.Context, stream session.Stream) (*registry.Subscription, error)
}

// StaticAccountInfo is the F001 reply
type StaticAccountInfo struct {
	Name         string  `json:"name"`
	Login        string  `json:"login"`
	Currency     string  `json:"currency"`
	Type         string  `json:"type"`
	Leverage     int64   `json:"leverage"`
	TradeAllowed bool    `json:"trade_allowed"`
	LimitOrders  int64   `json:"limit_orders"`
	MarginCall   float64 `json:"margin_call"`
	MarginClose  float64 `json:"margin_close"`
	Company      string  `json:"company"`
}

// DynamicAccountInfo is the F002 reply, also pushed by the account summary stream
type DynamicAccountInfo struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Profit      float64 `json:"profit"`
	Margin      float64 `json:"margin"`
	MarginLevel float64 `json:"margin_level"`
	MarginFree  float64 `json:"margin_free"`
}

// InstrumentInfo is the F003 reply
type InstrumentInfo struct {
	Instrument   string  `json:"instrument"`
	Digits       int64   `json:"digits"`
	MaxLot       float64 `json:"max_lotsize"`
	MinLot       float64 `json:"min_lotsize"`
	LotStep      float64 `json:"lot_step"`
	Point        float64 `json:"point"`
	TickSize     float64 `json:"tick_size"`
	TickValue    float64 `json:"tick_value"`
	SwapLong     float64 `json:"swap_long"`
	SwapShort    float64 `json:"swap_short"`
	StopLevel    int64   `json:"stop_level"`
	ContractSize float64 `json:"contract_size"`
}

// Tick is the F020 reply
type Tick struct {
	Instrument string    `json:"instrument"`
	Date       time.Time `json:"date"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Last       float64   `json:"last"`
	Volume     int64     `json:"volume"`
	Spread     float64   `json:"spread"`
	DateMs     int64     `json:"date_in_ms"`
}

// Position is one record of the F061 reply
type Position struct {
	Ticket      int64     `json:"ticket"`
	Instrument  string    `json:"instrument"`
	OrderTicket int64     `json:"order_ticket"`
	Type        string    `json:"position_type"`
	Magic       int64     `json:"magic_number"`
	Volume      float64   `json:"volume"`
	OpenPrice   float64   `json:"open_price"`
	OpenTime    time.Time `json:"open_time"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	Comment     string    `json:"comment"`
	Profit      float64   `json:"profit"`
	Swap        float64   `json:"swap"`
	Commission  float64   `json:"commission"`
}

func request(ctx context.Context, r Requester, command, sub string, params ...string) (protocol.Message, error) {
	msgs, err := r.Request(ctx, session.Call{Command: command, SubCommand: sub, Params: params})
	if err != nil {
		return protocol.Message{}, err
	}
	if len(msgs) == 0 {
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNoData, command)
	}
	msg := msgs[0]
	if err := msg.Validate(command); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// CheckConnection asks the EA whether it is alive
func CheckConnection(ctx context.Context, r Requester) (bool, error) {
	msg, err := request(ctx, r, protocol.CMD_CHECK_CONNECTION, "1")
	if err != nil {
		return false, err
	}
	return msg.Field(0) == "OK", nil
}

// GetStaticAccountInfo returns the account's fixed properties
func GetStaticAccountInfo(ctx context.Context, r Requester) (*StaticAccountInfo, error) {
	msg, err := request(ctx, r, protocol.CMD_STATIC_ACCOUNT_INFO, "1")
	if err != nil {
		return nil, err
	}

	p := parser{fields: msg.Fields, command: msg.Command}
	info := &StaticAccountInfo{
		Name:         p.text(0),
		Login:        p.text(1),
		Currency:     p.text(2),
		Type:         p.text(3),
		Leverage:     p.integer(4),
		TradeAllowed: p.flag(5),
		LimitOrders:  p.integer(6),
		MarginCall:   p.number(7),
		MarginClose:  p.number(8),
		Company:      p.text(9),
	}
	return info, p.err
}

// GetDynamicAccountInfo returns balance, equity and margin figures
func GetDynamicAccountInfo(ctx context.Context, r Requester) (*DynamicAccountInfo, error) {
	msg, err := request(ctx, r, protocol.CMD_DYNAMIC_ACCOUNT_INFO, "1")
	if err != nil {
		return nil, err
	}
	return ParseDynamicAccountInfo(msg)
}

// ParseDynamicAccountInfo decodes an F002 frame
func ParseDynamicAccountInfo(msg protocol.Message) (*DynamicAccountInfo, error) {
	p := parser{fields: msg.Fields, command: msg.Command}
	info := &DynamicAccountInfo{
		Balance:     p.number(0),
		Equity:      p.number(1),
		Profit:      p.number(2),
		Margin:      p.number(3),
		MarginLevel: p.number(4),
		MarginFree:  p.number(5),
	}
	return info, p.err
}

// GetInstrumentInfo returns the trading properties of an instrument
func GetInstrumentInfo(ctx context.Context, r Requester, instrument string) (*InstrumentInfo, error) {
	msg, err := request(ctx, r, protocol.CMD_INSTRUMENT_INFO, "2", instrument)
	if err != nil {
		return nil, err
	}

	p := parser{fields: msg.Fields, command: msg.Command}
	info := &InstrumentInfo{
		Instrument:   instrument,
		Digits:       p.integer(0),
		MaxLot:       p.number(1),
		MinLot:       p.number(2),
		LotStep:      p.number(3),
		Point:        p.number(4),
		TickSize:     p.number(5),
		TickValue:    p.number(6),
		SwapLong:     p.number(7),
		SwapShort:    p.number(8),
		StopLevel:    p.integer(9),
		ContractSize: p.number(10),
	}
	return info, p.err
}

// ServerTime returns the broker server time
func ServerTime(ctx context.Context, r Requester) (time.Time, error) {
	msg, err := request(ctx, r, protocol.CMD_SERVER_TIME, "1")
	if err != nil {
		return time.Time{}, err
	}
	p := parser{fields: msg.Fields, command: msg.Command}
	ts := p.timestamp(0)
	return ts, p.err
}

// TerminalServerConnected reports whether the terminal is logged in at the broker
func TerminalServerConnected(ctx context.Context, r Requester) (bool, error) {
	msg, err := request(ctx, r, protocol.CMD_TERMINAL_CONNECTED, "1")
	if err != nil {
		return false, err
	}
	return msg.Field(0) == "1", nil
}

// TerminalType returns "MT4" or "MT5"
func TerminalType(ctx context.Context, r Requester) (string, error) {
	msg, err := request(ctx, r, protocol.CMD_TERMINAL_TYPE, "1")
	if err != nil {
		return "", err
	}
	if msg.Field(0) == "1" {
		return "MT4", nil
	}
	return "MT5", nil
}

// License returns the license type, "Demo" or "Licensed"
func License(ctx context.Context, r Requester) (string, error) {
	msg, err := request(ctx, r, protocol.CMD_LICENSE, "1")
	if err != nil {
		return "", err
	}
	return msg.Field(2), nil
}

// TradingAllowed reports whether the instrument can be traded
func TradingAllowed(ctx context.Context, r Requester, instrument string) (bool, error) {
	msg, err := request(ctx, r, protocol.CMD_TRADING_ALLOWED, "2", instrument)
	if err != nil {
		return false, err
	}
	return msg.Field(1) == "OK", nil
}

// Instruments lists the instruments in the broker's market watch
func Instruments(ctx context.Context, r Requester) ([]string, error) {
	msg, err := request(ctx, r, protocol.CMD_INSTRUMENTS, "2")
	if err != nil {
		return nil, err
	}
	if len(msg.Fields) < 2 {
		return nil, nil
	}
	return append([]string(nil), msg.Fields[1:]...), nil
}

// LastTick returns the most recent tick of an instrument
func LastTick(ctx context.Context, r Requester, instrument string) (*Tick, error) {
	msg, err := request(ctx, r, protocol.CMD_LAST_TICK, "2", instrument)
	if err != nil {
		return nil, err
	}

	p := parser{fields: msg.Fields, command: msg.Command}
	tick := &Tick{
		Instrument: instrument,
		Date:       p.timestamp(0),
		Bid:        p.number(1),
		Ask:        p.number(2),
		Last:       p.number(3),
		Volume:     p.integer(4),
		Spread:     p.number(5),
		DateMs:     p.integer(6),
	}
	return tick, p.err
}

// OpenPositions returns every open position; each field of the reply is one
// $-separated record
func OpenPositions(ctx context.Context, r Requester) ([]Position, error) {
	msg, err := request(ctx, r, protocol.CMD_OPEN_POSITIONS, "1")
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(msg.Fields))
	for i, record := range msg.Records() {
		p := parser{fields: record, command: msg.Command}
		position := Position{
			Ticket:      p.integer(0),
			Instrument:  p.text(1),
			OrderTicket: p.integer(2),
			Type:        p.text(3),
			Magic:       p.integer(4),
			Volume:      p.number(5),
			OpenPrice:   p.number(6),
			OpenTime:    p.timestamp(7),
			StopLoss:    p.number(8),
			TakeProfit:  p.number(9),
			Comment:     p.text(10),
			Profit:      p.number(11),
			Swap:        p.number(12),
			Commission:  p.number(13),
		}
		if p.err != nil {
			return nil, fmt.Errorf("position %d: %w", i, p.err)
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// SummaryEvent is the bus event the account summary of login is published under
func SummaryEvent(login string) string {
	return "accountSummary-" + login
}

// SubscribeAccountSummary streams F002 updates for login. Each push is
// published as "accountSummary-<login>" and, when handler is set, decoded
// and passed to it.
func SubscribeAccountSummary(ctx context.Context, s Subscriber, login string, handler func(*DynamicAccountInfo)) (*registry.Subscription, error) {
	stream := session.Stream{
		Name:       "accountSummary",
		Route:      protocol.CMD_DYNAMIC_ACCOUNT_INFO,
		Command:    protocol.CMD_DYNAMIC_ACCOUNT_INFO,
		SubCommand: "1",
		Event:      SummaryEvent(login),
	}
	if handler != nil {
		stream.Handler = func(msg protocol.Message) {
			if info, err := ParseDynamicAccountInfo(msg); err == nil {
				handler(info)
			}
		}
	}
	return s.Subscribe(ctx, stream)
}

// parser reads typed fields and keeps the first conversion error
type parser struct {
	fields  []string
	command string
	err     error
}

func (p *parser) text(i int) string {
	if i >= len(p.fields) {
		p.fail(i, "missing")
		return ""
	}
	return p.fields[i]
}

func (p *parser) integer(i int) int64 {
	s := p.text(i)
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// the EA renders some integers as doubles
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			p.fail(i, err.Error())
			return 0
		}
		return int64(f)
	}
	return n
}

func (p *parser) number(i int) float64 {
	s := p.text(i)
	if p.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(i, err.Error())
		return 0
	}
	return f
}

func (p *parser) flag(i int) bool {
	switch p.text(i) {
	case "1", "true", "True":
		return true
	default:
		return false
	}
}

func (p *parser) timestamp(i int) time.Time {
	n := p.integer(i)
	if p.err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func (p *parser) fail(i int, reason string) {
	if p.err == nil {
		p.err = fmt.Errorf("%s field %d: %s: %w", p.command, i, reason, protocol.ErrMalformedMessage)
	}
}
