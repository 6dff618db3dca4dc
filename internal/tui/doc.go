// Package tui provides the live fleet dashboard shown by `fleet watch`.
//
// The dashboard polls a report source on a fixed interval and renders the
// global spend against the monthly cap, then one table row per agent with
// its tier, month usage, breaker state and heartbeat. It is read-mostly:
// the only action is closing the selected agent's breaker.
//
// Usage:
//
//	err := tui.Run(ctx, mon, 2*time.Second)
//
// Keys: ↑/↓ select, b reset breaker, r refresh, q quit.
package tui
