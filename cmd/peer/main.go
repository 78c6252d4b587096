package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/peer"
	"github.com/mossy-p/peerlink/internal/relayclient"
	"github.com/mossy-p/peerlink/internal/transfer"
	"github.com/mossy-p/peerlink/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peerlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		relayURL    string
		username    string
		password    string
		token       string
		downloadDir string
		verbose     bool
	)

	flagSet := pflag.NewFlagSet("peerlink", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVar(&relayURL, "relay", "", "relay websocket URL (overrides config)")
	flagSet.StringVarP(&username, "username", "u", "", "name to log in with")
	flagSet.StringVar(&password, "password", "peerlink", "password to log in with")
	flagSet.StringVar(&token, "token", "", "relay token; skips login when set")
	flagSet.StringVar(&downloadDir, "download-dir", "", "directory received files are written to")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Load()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if relayURL != "" {
		cfg.Peer.RelayURL = relayURL
	}
	if username != "" {
		cfg.Peer.Username = username
	}
	if token != "" {
		cfg.Peer.Token = token
	}
	if downloadDir != "" {
		cfg.Peer.DownloadDir = downloadDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Peer.Token == "" {
		if cfg.Peer.Username == "" {
			return fmt.Errorf("either --token or --username is required")
		}
		resp, err := relayclient.Login(ctx, relayclient.HTTPBase(cfg.Peer.RelayURL), cfg.Peer.Username, password)
		if err != nil {
			return err
		}
		cfg.Peer.Token = resp.Token
	}

	servers, err := cfg.Peer.ICE.Servers()
	if err != nil {
		return err
	}

	relay, err := relayclient.Dial(ctx, cfg.Peer.RelayURL, cfg.Peer.Token, logger)
	if err != nil {
		return err
	}
	defer relay.Close()

	client := peer.New(relay, peer.Options{
		Self:     relay.ID(),
		Username: relay.Username(),
		Factory:  transport.NewFactory(nil, servers, logger),
		Transfer: transfer.Config{
			DownloadDir: cfg.Peer.DownloadDir,
			ChunkSize:   cfg.Peer.ChunkSize,
			Window:      cfg.Peer.TransferWindow,
			MaxFileSize: cfg.Peer.MaxFileSize,
		},
		Logger: logger,
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(ctx)
	}()

	fmt.Printf("connected to %s as %s (%s)\n", cfg.Peer.RelayURL, relay.Username(), relay.ID())
	con := &console{
		client:  client,
		httpURL: relayclient.HTTPBase(cfg.Peer.RelayURL),
		token:   cfg.Peer.Token,
		out:     os.Stdout,
	}
	go con.printUpdates(ctx)

	consoleErr := make(chan error, 1)
	go func() {
		consoleErr <- con.serve(ctx, os.Stdin)
	}()

	select {
	case err := <-runErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case err := <-consoleErr:
		stop()
		<-runErr
		return err
	}
}
