//go:build no_mqtt

package main

import (
	"log/slog"

	"purifier-go-home/internal/accessory"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *accessory.Accessory, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
