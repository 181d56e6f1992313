//go:build no_automation

package main

import (
	"log/slog"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *accessory.Accessory, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
