package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tourchat/chat"
	"tourchat/config"
	"tourchat/logger"
	"tourchat/storage"
)

func main() {
	self := flag.String("self", "", "identity to sign in as, e.g. an email address")
	displayName := flag.String("name", "", "display name stored on first sign-in")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	rootLog := logger.New(cfg, os.Stderr)

	store, err := storage.OpenPath(cfg.DatabasePath(dataDir))
	if err != nil {
		rootLog.Fatal().Err(err).Msg("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			rootLog.Error().Err(err).Msg("database close error")
		}
	}()

	engine, err := chat.NewEngine(chat.Options{
		Store:             store,
		Logger:            rootLog,
		TypingIdleTimeout: cfg.TypingIdleTimeout(),
	})
	if err != nil {
		rootLog.Fatal().Err(err).Msg("startup failed while creating engine")
	}
	defer engine.Close()

	fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", cfg.DatabasePath(dataDir))

	if *self == "" {
		fmt.Println("Status:          no identity given (use -self), nothing to do")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states := make(chan chat.AuthState, 1)
	signedIn := make(chan error, 1)
	authDone := make(chan error, 1)
	go func() {
		authDone <- chat.WatchAuth(ctx, engine, states, func(state chat.AuthState, err error) {
			if state.SignedIn() {
				signedIn <- err
			}
		})
	}()
	states <- chat.AuthState{Identity: *self, DisplayName: *displayName}

	select {
	case err := <-signedIn:
		if err != nil {
			rootLog.Fatal().Err(err).Msg("sign-in failed")
		}
	case <-ctx.Done():
		return
	}
	fmt.Printf("Signed In As:    %s\n", *self)
	fmt.Println("Status:          running (type /help, Ctrl+D or Ctrl+C to stop)")

	session := newConsole(engine, *self, os.Stdout, rootLog)
	if err := session.run(ctx, os.Stdin); err != nil {
		rootLog.Error().Err(err).Msg("console stopped")
	}
	session.close()

	close(states)
	if err := <-authDone; err != nil && !errors.Is(err, context.Canceled) {
		rootLog.Error().Err(err).Msg("sign-out failed")
	}
	fmt.Println("Status:          shutting down")
}
