// Package main provides yknd, the key-value server daemon.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"yknd/internal/config"
	"yknd/internal/server"
)

// daemonEnv marks the re-executed child so it does not fork again.
const daemonEnv = "YKND_DAEMONIZED"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	flags := flag.NewFlagSet("yknd", flag.ContinueOnError)
	confPath := flags.StringP("config", "c", "./yknd.conf.json", "Configuration `file` path")

	err := flags.Parse(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	if cfg.Daemonize && os.Getenv(daemonEnv) == "" {
		err = daemonize(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			return 1
		}

		return 0
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	defer func() { _ = log.Sync() }()

	if cfg.PidFile != "" {
		err = os.WriteFile(cfg.PidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
		if err != nil {
			log.Error("write pid file", zap.Error(err))

			return 1
		}

		defer func() { _ = os.Remove(cfg.PidFile) }()
	}

	srv := server.New(cfg, log)

	err = srv.Init()
	if err != nil {
		log.Error("init failed", zap.Error(err))

		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		srv.Stop()
	}()

	srv.Serve()

	return 0
}

// daemonize re-executes the process detached from the controlling terminal.
func daemonize(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("fork daemon: %w", err)
	}

	return nil
}
