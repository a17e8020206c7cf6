//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-matter-bridge/internal/bridge"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *bridge.Controller, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
