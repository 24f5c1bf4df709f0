package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nullframe/rollback"
)

type appConfig struct {
	mode string // host|join|spectate|synctest

	listenAddr string
	peerAddr   string
	hostAddr   string

	frameDelay            int
	maxPredictionFrames   int
	sparseSaving          bool
	fps                   int
	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration

	catchupSpeed    int
	maxFramesBehind int

	checkDistance int
	ticks         int

	spectatorAddr string

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	mode := flag.String("mode", "host", "Session mode: host|join|spectate|synctest")
	listen := flag.String("listen", ":7777", "UDP listen address")
	peer := flag.String("peer", "", "Remote peer address (host:port), required for -mode=join")
	hostAddr := flag.String("host-addr", "", "Host address to spectate, required for -mode=spectate")
	frameDelay := flag.Int("frame-delay", 2, "Local input delay in frames")
	maxPred := flag.Int("max-prediction-frames", rollback.DefaultMaxPredictionFrames, "Maximum frames a remote input may be predicted ahead")
	sparse := flag.Bool("sparse-saving", false, "Only save game state at the last confirmed frame")
	fps := flag.Int("fps", 60, "Simulation rate, for host-side pacing only")
	discTO := flag.Duration("disconnect-timeout", rollback.DefaultDisconnectTimeout, "Remote disconnect timeout")
	discNotify := flag.Duration("disconnect-notify-start", rollback.DefaultDisconnectNotifyStart, "Delay before surfacing NetworkInterrupted")
	catchup := flag.Int("catchup-speed", 2, "Spectator frames advanced per tick while far behind")
	maxBehind := flag.Int("max-frames-behind", 5, "Spectator catch-up threshold in frames")
	checkDist := flag.Int("check-distance", 7, "SyncTest forced rollback depth")
	ticks := flag.Int("ticks", 0, "Stop after this many advanced frames (0 = run until interrupted)")
	spectatorAddr := flag.String("spectator-addr", "", "Register one spectator address on the host session (optional)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise this session via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default lockstepdemo-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.mode = *mode
	cfg.listenAddr = *listen
	cfg.peerAddr = *peer
	cfg.hostAddr = *hostAddr
	cfg.frameDelay = *frameDelay
	cfg.maxPredictionFrames = *maxPred
	cfg.sparseSaving = *sparse
	cfg.fps = *fps
	cfg.disconnectTimeout = *discTO
	cfg.disconnectNotifyStart = *discNotify
	cfg.catchupSpeed = *catchup
	cfg.maxFramesBehind = *maxBehind
	cfg.checkDistance = *checkDist
	cfg.ticks = *ticks
	cfg.spectatorAddr = *spectatorAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open sockets - only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.mode {
	case "host", "join", "spectate", "synctest":
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.mode == "join" && c.peerAddr == "" {
		return errors.New("-peer is required for -mode=join")
	}
	if c.mode == "spectate" && c.hostAddr == "" {
		return errors.New("-host-addr is required for -mode=spectate")
	}
	if c.frameDelay < 0 {
		return fmt.Errorf("frame-delay must be >= 0 (got %d)", c.frameDelay)
	}
	if c.maxPredictionFrames < 2 {
		return fmt.Errorf("max-prediction-frames must be >= 2 (got %d)", c.maxPredictionFrames)
	}
	if c.fps <= 0 {
		return fmt.Errorf("fps must be > 0 (got %d)", c.fps)
	}
	if c.disconnectTimeout <= 0 {
		return errors.New("disconnect-timeout must be > 0")
	}
	if c.disconnectNotifyStart <= 0 || c.disconnectNotifyStart >= c.disconnectTimeout {
		return errors.New("disconnect-notify-start must be > 0 and < disconnect-timeout")
	}
	if c.catchupSpeed < 1 {
		return fmt.Errorf("catchup-speed must be >= 1 (got %d)", c.catchupSpeed)
	}
	if c.maxFramesBehind < 0 {
		return fmt.Errorf("max-frames-behind must be >= 0 (got %d)", c.maxFramesBehind)
	}
	if c.mode == "synctest" {
		if c.checkDistance < 2 || c.checkDistance > c.maxPredictionFrames {
			return fmt.Errorf("check-distance must be in [2, max-prediction-frames] (got %d)", c.checkDistance)
		}
		if c.ticks <= 0 {
			return errors.New("-ticks must be > 0 for -mode=synctest (it never terminates on its own)")
		}
	}
	if c.ticks < 0 {
		return fmt.Errorf("ticks must be >= 0 (got %d)", c.ticks)
	}
	return nil
}

// applyEnvOverrides maps ROLLBACK_* environment variables to config fields
// unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["mode"]; !ok {
		if v, ok := get("ROLLBACK_MODE"); ok && v != "" {
			c.mode = v
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("ROLLBACK_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["peer"]; !ok {
		if v, ok := get("ROLLBACK_PEER"); ok && v != "" {
			c.peerAddr = v
		}
	}
	if _, ok := set["host-addr"]; !ok {
		if v, ok := get("ROLLBACK_HOST_ADDR"); ok && v != "" {
			c.hostAddr = v
		}
	}
	if _, ok := set["frame-delay"]; !ok {
		if v, ok := get("ROLLBACK_FRAME_DELAY"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.frameDelay = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_FRAME_DELAY: %w", err)
			}
		}
	}
	if _, ok := set["max-prediction-frames"]; !ok {
		if v, ok := get("ROLLBACK_MAX_PREDICTION_FRAMES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxPredictionFrames = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_MAX_PREDICTION_FRAMES: %w", err)
			}
		}
	}
	if _, ok := set["sparse-saving"]; !ok {
		if v, ok := get("ROLLBACK_SPARSE_SAVING"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.sparseSaving = true
			case "0", "false", "no", "off":
				c.sparseSaving = false
			}
		}
	}
	if _, ok := set["fps"]; !ok {
		if v, ok := get("ROLLBACK_FPS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.fps = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_FPS: %w", err)
			}
		}
	}
	if _, ok := set["disconnect-timeout"]; !ok {
		if v, ok := get("ROLLBACK_DISCONNECT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.disconnectTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_DISCONNECT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["disconnect-notify-start"]; !ok {
		if v, ok := get("ROLLBACK_DISCONNECT_NOTIFY_START"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.disconnectNotifyStart = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_DISCONNECT_NOTIFY_START: %w", err)
			}
		}
	}
	if _, ok := set["catchup-speed"]; !ok {
		if v, ok := get("ROLLBACK_CATCHUP_SPEED"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.catchupSpeed = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_CATCHUP_SPEED: %w", err)
			}
		}
	}
	if _, ok := set["max-frames-behind"]; !ok {
		if v, ok := get("ROLLBACK_MAX_FRAMES_BEHIND"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxFramesBehind = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_MAX_FRAMES_BEHIND: %w", err)
			}
		}
	}
	if _, ok := set["check-distance"]; !ok {
		if v, ok := get("ROLLBACK_CHECK_DISTANCE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.checkDistance = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_CHECK_DISTANCE: %w", err)
			}
		}
	}
	if _, ok := set["ticks"]; !ok {
		if v, ok := get("ROLLBACK_TICKS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.ticks = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_TICKS: %w", err)
			}
		}
	}
	if _, ok := set["spectator-addr"]; !ok {
		if v, ok := get("ROLLBACK_SPECTATOR_ADDR"); ok && v != "" {
			c.spectatorAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ROLLBACK_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ROLLBACK_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ROLLBACK_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("ROLLBACK_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ROLLBACK_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ROLLBACK_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("ROLLBACK_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
