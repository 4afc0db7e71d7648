//go:build !linux

package session

import "context"

// watchExit calls onExit once pid terminates
func watchExit(ctx context.Context, pid int, onExit func()) {
	pollExit(ctx, pid, onExit)
}
