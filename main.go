package main

import (
	"errors"
	"os"
	"strings"

	"github.com/pion/logging"

	"github.com/voicelab/huddle/pkg/ice"
	"github.com/voicelab/huddle/pkg/server"
	"github.com/voicelab/huddle/pkg/sfu"
)

func main() {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = parseLogLevel(os.Getenv("HUDDLE_LOG_LEVEL"))
	log := lf.NewLogger("main")

	provider := buildICEProvider(lf, log)

	engine := sfu.New(sfu.Config{
		ICEProvider:   provider,
		LoggerFactory: lf,
	})
	engine.SetOnPeerJoined(func(roomID string, peerID int64) {
		log.Infof("room %s: peer %d joined", roomID, peerID)
	})
	engine.SetOnPeerLeft(func(roomID string, peerID int64) {
		log.Infof("room %s: peer %d left", roomID, peerID)
	})
	engine.SetOnTrackAdded(func(roomID string, peerID int64, trackID string) {
		log.Infof("room %s: peer %d published %s", roomID, peerID, trackID)
	})

	cfg := server.DefaultConfig()
	cfg.LoggerFactory = lf
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if addr := os.Getenv("HUDDLE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if dir := os.Getenv("HUDDLE_STATIC_DIR"); dir != "" {
		cfg.StaticDir = dir
	}

	srv := server.New(cfg, engine, provider)
	if err := srv.ListenAndServe(); err != nil {
		log.Errorf("server: %v", err)
		os.Exit(1)
	}
}

func buildICEProvider(lf logging.LoggerFactory, log logging.LeveledLogger) ice.Provider {
	provider, err := ice.NewTwilio(ice.TwilioConfig{
		APIKeySID:     os.Getenv("TWILIO_API_KEY_SID"),
		APIKeySecret:  os.Getenv("TWILIO_API_KEY_SECRET"),
		AccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		LoggerFactory: lf,
	})
	if err != nil {
		if !errors.Is(err, ice.ErrNoCredentials) {
			log.Warnf("twilio provider: %v", err)
		}
		log.Infof("using static STUN servers")
		return ice.Static(ice.DefaultServers())
	}
	log.Infof("using twilio TURN credentials")
	return provider
}

func parseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	case "disabled":
		return logging.LogLevelDisabled
	default:
		return logging.LogLevelInfo
	}
}
