package app

import (
	"notifyhub/internal/config"
	rtsup "notifyhub/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

// ---- Runtime ----

type Supervisor = rtsup.Supervisor

var NewSupervisor = rtsup.New

var WithLogger = rtsup.WithLogger

var WithCancelOnError = rtsup.WithCancelOnError
