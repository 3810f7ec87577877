package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalingURL    = "QUADCALL_SIGNALING_URL"
	envVarRosterURL       = "QUADCALL_ROSTER_URL"
	envVarRoomID          = "QUADCALL_ROOM_ID"
	envVarPeerID          = "QUADCALL_PEER_ID"
	envVarAuthToken       = "QUADCALL_AUTH_TOKEN"
	envVarMode            = "QUADCALL_MODE"
	envVarLogFormat       = "QUADCALL_LOG_FORMAT"
	envVarLogLevel        = "QUADCALL_LOG_LEVEL"
	envVarDiagListenAddr  = "QUADCALL_DIAG_LISTEN_ADDR"
	envVarShutdownTimeout = "QUADCALL_SHUTDOWN_TIMEOUT"

	// Mesh knobs.
	envVarMaxPeers            = "QUADCALL_MAX_PEERS"
	envVarRosterPollInterval  = "QUADCALL_ROSTER_POLL_INTERVAL"
	envVarTrackSampleInterval = "QUADCALL_TRACK_SAMPLE_INTERVAL"

	// Inbound signaling hardening.
	envVarMaxSignalMessageBytes      = "QUADCALL_MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalMessagesPerSecond = "QUADCALL_MAX_SIGNAL_MESSAGES_PER_SECOND"
)

const (
	DefaultDiagListenAddr      = "127.0.0.1:7473"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultRosterPollInterval  = 2 * time.Second
	DefaultTrackSampleInterval = 500 * time.Millisecond
	// DefaultMaxPeers is remote peers per room; 3 remotes = 4 participants,
	// the largest group a full mesh of consumer uplinks handles comfortably.
	DefaultMaxPeers = 3

	DefaultMaxSignalMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalMessagesPerSecond = 50

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	SignalingURL string
	RosterURL    string
	RoomID       string
	PeerID       string
	AuthToken    string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	DiagListenAddr  string
	ShutdownTimeout time.Duration

	MaxPeers            int
	RosterPollInterval  time.Duration
	TrackSampleInterval time.Duration

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int

	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	rosterURL := envOrDefault(lookup, envVarRosterURL, "")
	roomID := envOrDefault(lookup, envVarRoomID, "")
	peerID := envOrDefault(lookup, envVarPeerID, "")
	authToken := envOrDefault(lookup, envVarAuthToken, "")
	diagListenAddr := envOrDefault(lookup, envVarDiagListenAddr, DefaultDiagListenAddr)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	rosterPollInterval, err := envDurationOrDefault(lookup, envVarRosterPollInterval, DefaultRosterPollInterval)
	if err != nil {
		return Config{}, err
	}
	trackSampleInterval, err := envDurationOrDefault(lookup, envVarTrackSampleInterval, DefaultTrackSampleInterval)
	if err != nil {
		return Config{}, err
	}
	maxPeers, err := envIntOrDefault(lookup, envVarMaxPeers, DefaultMaxPeers)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalMessagesPerSecond, DefaultMaxSignalMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxSignalMessageBytes := DefaultMaxSignalMessageBytes
	if raw, ok := lookup(envVarMaxSignalMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalMessageBytes, raw, err)
		}
		maxSignalMessageBytes = n
	}

	fs := flag.NewFlagSet("quadcall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&rosterURL, "roster-url", rosterURL, "Roster HTTP URL; defaults derived from --signaling-url (env "+envVarRosterURL+")")
	fs.StringVar(&roomID, "room-id", roomID, "Room identifier (env "+envVarRoomID+")")
	fs.StringVar(&peerID, "peer-id", peerID, "Local peer identifier; random when unset (env "+envVarPeerID+")")
	fs.StringVar(&authToken, "auth-token", authToken, "Token presented to the signaling relay (env "+envVarAuthToken+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&diagListenAddr, "diag-listen-addr", diagListenAddr, "Diagnostics HTTP listen address (env "+envVarDiagListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.IntVar(&maxPeers, "max-peers", maxPeers, "Maximum remote peers per room (env "+envVarMaxPeers+")")
	fs.DurationVar(&rosterPollInterval, "roster-poll-interval", rosterPollInterval, "Roster polling interval (env "+envVarRosterPollInterval+")")
	fs.DurationVar(&trackSampleInterval, "track-sample-interval", trackSampleInterval, "Remote track liveness sampling interval (env "+envVarTrackSampleInterval+")")
	fs.Int64Var(&maxSignalMessageBytes, "max-signal-message-bytes", maxSignalMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalMessageBytes+")")
	fs.IntVar(&maxSignalMessagesPerSecond, "max-signal-messages-per-second", maxSignalMessagesPerSecond, "Max inbound signaling messages per second (env "+envVarMaxSignalMessagesPerSecond+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(signalingURL) == "" {
		return Config{}, fmt.Errorf("%s/--signaling-url must be set", envVarSignalingURL)
	}
	if strings.TrimSpace(roomID) == "" {
		return Config{}, fmt.Errorf("%s/--room-id must be set", envVarRoomID)
	}
	if strings.TrimSpace(peerID) == "" {
		peerID = uuid.NewString()
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxPeers <= 0 {
		return Config{}, fmt.Errorf("%s/--max-peers must be > 0", envVarMaxPeers)
	}
	if rosterPollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--roster-poll-interval must be > 0", envVarRosterPollInterval)
	}
	if trackSampleInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--track-sample-interval must be > 0", envVarTrackSampleInterval)
	}
	if maxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-message-bytes must be > 0", envVarMaxSignalMessageBytes)
	}
	if maxSignalMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-messages-per-second must be > 0", envVarMaxSignalMessagesPerSecond)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		SignalingURL: strings.TrimSpace(signalingURL),
		RosterURL:    strings.TrimSpace(rosterURL),
		RoomID:       strings.TrimSpace(roomID),
		PeerID:       strings.TrimSpace(peerID),
		AuthToken:    authToken,

		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  level,

		DiagListenAddr:  diagListenAddr,
		ShutdownTimeout: shutdownTimeout,

		MaxPeers:            maxPeers,
		RosterPollInterval:  rosterPollInterval,
		TrackSampleInterval: trackSampleInterval,

		MaxSignalMessageBytes:      maxSignalMessageBytes,
		MaxSignalMessagesPerSecond: maxSignalMessagesPerSecond,

		ICEServers: iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}
