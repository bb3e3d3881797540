package tray

import (
	"context"

	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/tag"
)

// TrayApp is a no-op on Linux, where the agent runs headless.
type TrayApp struct{}

// New returns a TrayApp. Arguments are ignored on Linux.
func New(string, *tag.Agent, core.ContextFactory, func()) *TrayApp {
	return &TrayApp{}
}

// RunWithServer runs serverStart and blocks until ctx is done.
func (t *TrayApp) RunWithServer(ctx context.Context, serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-ctx.Done()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
