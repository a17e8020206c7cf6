//go:build no_automation

package main

import (
	"log/slog"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *bridge.Controller, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
