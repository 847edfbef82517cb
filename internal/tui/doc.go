// Package tui renders run loop progress in the terminal.
//
// Two views live here. The monitor is a read-only bubbletea program that
// polls a session's status snapshot and ledger entries while the run loop
// works in another process:
//
//	loader := &tui.ProjectLoader{ProjectRoot: root, Ledger: led}
//	snap, err := tui.RunMonitor(ctx, loader, 500*time.Millisecond)
//
// RenderStatus produces the static report printed by `cub status`.
//
// Neither view talks to the run loop directly. Everything they show comes
// from files the loop already writes, so a monitor can attach to, detach
// from and outlive any session.
package tui
