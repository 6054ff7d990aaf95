package app

import (
	chatprovider "github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// ChatProvider exposes the guarded chat provider to tests.
func (a *App) ChatProvider() chatprovider.Provider { return a.chat }

// RealtimeProvider exposes the guarded realtime provider to tests.
func (a *App) RealtimeProvider() realtime.Provider { return a.realtime }
