package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"clawdeck/internal/adapter/bridge"
	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/infra/logger"
	"clawdeck/internal/infra/tracer"
	"clawdeck/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "hash-password":
			if err := runHashPassword(); err != nil {
				fmt.Fprintf(os.Stderr, "hash-password: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawdeck --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawdeck - browser dashboard bridge for an agent gateway

USAGE:
    clawdeck [COMMAND] [FLAGS]

COMMANDS:
    hash-password   Generate an argon2id hash for bridge.password_hash

    (no command) - Run the bridge with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CLAWDECK_* variables override config

EXAMPLES:
    clawdeck                                 # Run with config.yaml
    clawdeck --config /etc/clawdeck.yaml     # Run with custom config
    CLAWDECK_GATEWAY_URL=wss://gw/ws CLAWDECK_GATEWAY_TOKEN=... clawdeck`)
}

// configPath extracts --config from os.Args, defaulting to ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "./config.yaml"
}

func runHashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if len(password) == 0 {
		return fmt.Errorf("empty password")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	fmt.Println(bridge.HashPassword(string(password), salt))
	return nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()

	// 4. Gateway connection and exec sessions
	conn, err := gateway.New(gateway.Config{
		URL:               cfg.Gateway.URL,
		Token:             cfg.Gateway.Token,
		Password:          cfg.Gateway.Password,
		ClientID:          cfg.Gateway.ClientID,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		ReconnectBase:     cfg.Gateway.ReconnectBase,
		ReconnectMax:      cfg.Gateway.ReconnectMax,
	}, bus, logger.Component(log, "gateway"))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	sessions := gateway.NewManager(conn, bus, logger.Component(log, "exec"))
	conn.RegisterSink(sessions)
	defer sessions.Shutdown()

	// 5. Browser bridge
	srv, err := bridge.NewServer(cfg.Bridge, conn, sessions, bus, logger.Component(log, "bridge"))
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("gateway: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("bridge: %w", err)
			return
		}
		errCh <- nil
	}()

	log.Info("clawdeck started", "gateway_url", cfg.Gateway.URL, "bridge_addr", cfg.Bridge.Addr)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop() // bring the other half down too
		}
	}
	log.Info("clawdeck stopped")
	return firstErr
}
