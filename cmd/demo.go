package cmd

import (
	"strconv"
	"time"

	"mt5session/internal/protocol"
	"mt5session/internal/transport"
)

// demoTerminal answers the account queries with a fixed demo account
func demoTerminal() *transport.Memory {
	mem := transport.NewMemory()

	static := func(command string, fields ...string) transport.Reply {
		return func(msg protocol.Message) [][]byte {
			return [][]byte{protocol.Encode(command, msg.SubCommand, fields...)}
		}
	}

	mem.Handle(protocol.CMD_CHECK_CONNECTION, static(protocol.CMD_CHECK_CONNECTION, "OK"))
	mem.Handle(protocol.CMD_STATIC_ACCOUNT_INFO, static(protocol.CMD_STATIC_ACCOUNT_INFO,
		"Demo Trader", "5001234", "USD", "demo", "100", "1", "200", "50", "30", "Demo Broker Ltd"))
	mem.Handle(protocol.CMD_DYNAMIC_ACCOUNT_INFO, static(protocol.CMD_DYNAMIC_ACCOUNT_INFO,
		"10000.00", "10012.50", "12.50", "250.00", "4005.00", "9762.50"))
	mem.Handle(protocol.CMD_TERMINAL_CONNECTED, static(protocol.CMD_TERMINAL_CONNECTED, "1"))
	mem.Handle(protocol.CMD_TERMINAL_TYPE, static(protocol.CMD_TERMINAL_TYPE, "0"))
	mem.Handle(protocol.CMD_SERVER_TIME, func(msg protocol.Message) [][]byte {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		return [][]byte{protocol.Encode(protocol.CMD_SERVER_TIME, msg.SubCommand, now)}
	})

	return mem
}
