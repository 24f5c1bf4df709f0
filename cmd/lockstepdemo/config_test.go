package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		mode:                  "host",
		listenAddr:            ":7777",
		peerAddr:              "127.0.0.1:7778",
		frameDelay:            2,
		maxPredictionFrames:   8,
		fps:                   60,
		disconnectTimeout:     5 * time.Second,
		disconnectNotifyStart: 750 * time.Millisecond,
		catchupSpeed:          2,
		maxFramesBehind:       5,
		checkDistance:         7,
		logFormat:             "text",
		logLevel:              "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := baseConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badMode", func(c *appConfig) { c.mode = "nope" }},
		{"badLogFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLogLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"joinMissingPeer", func(c *appConfig) { c.mode = "join"; c.peerAddr = "" }},
		{"spectateMissingHost", func(c *appConfig) { c.mode = "spectate"; c.hostAddr = "" }},
		{"badFrameDelay", func(c *appConfig) { c.frameDelay = -1 }},
		{"badMaxPred", func(c *appConfig) { c.maxPredictionFrames = 1 }},
		{"badFPS", func(c *appConfig) { c.fps = 0 }},
		{"badDisconnectTimeout", func(c *appConfig) { c.disconnectTimeout = 0 }},
		{"badDisconnectNotify", func(c *appConfig) { c.disconnectNotifyStart = 10 * time.Second }},
		{"badCatchupSpeed", func(c *appConfig) { c.catchupSpeed = 0 }},
		{"badMaxFramesBehind", func(c *appConfig) { c.maxFramesBehind = -1 }},
		{"badCheckDistanceLow", func(c *appConfig) { c.mode = "synctest"; c.ticks = 1; c.checkDistance = 1 }},
		{"badCheckDistanceHigh", func(c *appConfig) { c.mode = "synctest"; c.ticks = 1; c.checkDistance = 99 }},
		{"synctestNeedsTicks", func(c *appConfig) { c.mode = "synctest"; c.ticks = 0 }},
		{"badTicks", func(c *appConfig) { c.ticks = -1 }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
