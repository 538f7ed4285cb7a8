package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/tavrael/tether/internal/backend"
	"github.com/tavrael/tether/internal/config"
	"github.com/tavrael/tether/internal/crypto"
	"github.com/tavrael/tether/internal/msgqueue"
	"github.com/tavrael/tether/internal/notify"
	"github.com/tavrael/tether/internal/relay"
	"github.com/tavrael/tether/internal/session"
	"github.com/tavrael/tether/internal/storage"
	"github.com/tavrael/tether/internal/transport"
	"github.com/tavrael/tether/pkg/logger"
	"github.com/tavrael/tether/pkg/types"
)

const version = "tether v0.1.0"

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	args, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		return err
	}
	if len(args) > 0 {
		switch args[0] {
		case "claude", "codex", "generic":
			cfg.Agent = args[0]
		case "help", "--help", "-h":
			printUsage()
			return nil
		case "version", "--version", "-v":
			fmt.Println(version)
			return nil
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}

	masterSecret, err := storage.GetOrCreateMasterSecret(filepath.Join(cfg.TetherHome, "master.key"))
	if err != nil {
		return fmt.Errorf("failed to load master secret: %w", err)
	}
	machineID, err := storage.GetOrCreateMachineID(filepath.Join(cfg.TetherHome, "machine.id"))
	if err != nil {
		return fmt.Errorf("failed to load machine id: %w", err)
	}

	token, err := loadToken(cfg, masterSecret, machineID)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	homeDir, _ := os.UserHomeDir()

	logger.Infof("tether home: %s", cfg.TetherHome)
	logger.Infof("server: %s", cfg.ServerURL)
	logger.Infof("starting %s session in %s", cfg.Agent, workDir)

	metadata := types.Metadata{
		Path:          workDir,
		Host:          hostname(),
		Version:       version,
		OS:            runtime.GOOS,
		MachineID:     machineID,
		HomeDir:       homeDir,
		TetherHomeDir: cfg.TetherHome,
		Flavor:        cfg.Agent,
		Lifecycle:     "running",
	}
	initialState := types.AgentState{
		AgentType:         cfg.Agent,
		ControlledByUser:  false,
		Model:             cfg.Model,
		Requests:          make(map[string]types.PendingRequest),
		CompletedRequests: make(map[string]types.CompletedRequest),
	}

	tag := session.StableSessionTag(machineID, workDir)
	created, err := session.CreateSession(cfg.ServerURL, token, tag, masterSecret, metadata, initialState)
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	logger.Infof("session registered: %s", created.SessionID)

	client := relay.NewClient(cfg.ServerURL, token, created.SessionID)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer client.Close()
	if !client.WaitForConnect(15 * time.Second) {
		logger.Warnf("relay connection still pending, continuing anyway")
	}

	channel, err := session.NewChannel(client, session.ChannelConfig{
		SessionID:         created.SessionID,
		MasterSecret:      masterSecret,
		DataKey:           created.DataKey,
		Metadata:          metadata,
		MetadataVersion:   created.MetadataVersion,
		AgentState:        initialState,
		AgentStateVersion: created.AgentStateVersion,
	})
	if err != nil {
		return err
	}
	client.On(relay.EventUpdate, channel.HandleUpdate)

	rpc := relay.NewRPCManager(client)
	rpc.SetEncryption(channel.Encrypt, channel.Decrypt)
	rpc.SetupSocketHandlers(client.RawSocket())

	var notifier notify.Notifier = notify.Noop{}
	if cfg.PushoverToken != "" && cfg.PushoverUserKey != "" {
		pushover, err := notify.NewPushover(notify.PushoverConfig{
			Token:   cfg.PushoverToken,
			UserKey: cfg.PushoverUserKey,
		})
		if err != nil {
			return err
		}
		notifier = pushover
	}

	bridgeCfg := session.BridgeConfig{
		Channel:           channel,
		RPC:               rpc,
		Registry:          transport.DefaultRegistry(),
		Notifier:          notifier,
		AgentKind:         cfg.Agent,
		Model:             cfg.Model,
		WorkDir:           workDir,
		HistoryMaxEntries: cfg.HistoryMaxEntries,
		HistoryMaxChars:   cfg.HistoryMaxChars,
	}
	if cfg.FakeAgent {
		logger.Warnf("running with the in-memory fake agent")
		bridgeCfg.NewBackend = func(msgqueue.Mode) (backend.Backend, error) {
			return backend.NewFake(), nil
		}
	}

	bridge, err := session.NewBridge(bridgeCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("bridge running, press Ctrl+C to exit")
	return bridge.Run(ctx)
}

// loadToken reads the relay access token, falling back to a locally signed
// token derived from the master secret.
func loadToken(cfg *config.Config, masterSecret []byte, machineID string) (string, error) {
	if data, err := os.ReadFile(cfg.AccessKey); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	}

	verifier := crypto.NewTokenVerifier(masterSecret)
	token, err := verifier.Sign(machineID, map[string]any{"machineId": machineID})
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func parseFlags(cfg *config.Config, args []string) ([]string, error) {
	fs := flag.NewFlagSet("tether", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	agent := fs.String("agent", "", "Agent backend (claude|codex|generic)")
	model := fs.String("model", "", "Agent model override")
	fakeAgent := fs.Bool("fake-agent", false, "Use the in-memory fake agent")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *agent != "" {
		if *agent != "claude" && *agent != "codex" && *agent != "generic" {
			return nil, fmt.Errorf("invalid --agent %q (expected claude, codex, or generic)", *agent)
		}
		cfg.Agent = *agent
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *fakeAgent {
		cfg.FakeAgent = true
	}

	return fs.Args(), nil
}

func printUsage() {
	fmt.Println(`tether - bridge a local coding agent to your phone

Usage:
  tether              Start a bridge session in the current directory
  tether claude       Start a Claude-backed session
  tether codex        Start a Codex-backed session
  tether help         Show this help message
  tether version      Show version information

Environment Variables:
  TETHER_SERVER_URL   Relay server URL (default: https://api.tether.rest)
  TETHER_HOME_DIR     Config directory (default: ~/.tether)
  TETHER_AGENT        Agent backend (claude|codex|generic, default: claude)
  TETHER_MODEL        Agent model override
  TETHER_LOG_LEVEL    Logger verbosity (trace|debug|info|warn|error)
  TETHER_FAKE_AGENT   Use the in-memory fake agent (true/1)

Flags:
  --agent             Agent backend (claude|codex|generic)
  --model             Agent model override
  --fake-agent        Use the in-memory fake agent

Examples:
  # Start bridging the current directory
  tether

  # Point at a local relay
  TETHER_SERVER_URL=http://localhost:3005 tether`)
}
