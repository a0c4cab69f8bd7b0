package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"batchmon/internal/app"
	"batchmon/internal/config"
)

var version = "dev"

func main() {
	var (
		cfgPath   string
		logLevel  string
		addr      string
		adminAddr string
		initCfg   bool
		showVer   bool
	)
	pflag.StringVarP(&cfgPath, "config", "c", "./batchmon.jsonc", "path to config file (.json, .jsonc, .yaml)")
	pflag.StringVar(&logLevel, "log-level", "", "override logging.level")
	pflag.StringVar(&addr, "addr", "", "override server.addr")
	pflag.StringVar(&adminAddr, "admin-addr", "", "override admin.addr and enable the admin server")
	pflag.BoolVar(&initCfg, "init", false, "write an example config to --config and exit")
	pflag.BoolVarP(&showVer, "version", "v", false, "print version and exit")
	pflag.Parse()

	if showVer {
		fmt.Println("batchmon", version)
		return
	}
	if initCfg {
		if err := writeExample(cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		fmt.Println("wrote", cfgPath)
		return
	}

	flags := func(c *config.Config) {
		if logLevel != "" {
			c.Logging.Level = logLevel
		}
		if addr != "" {
			c.Server.Addr = addr
		}
		if adminAddr != "" {
			c.Admin.Enabled = true
			c.Admin.Addr = adminAddr
		}
	}

	a, err := app.New(cfgPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(config.Example), 0o600)
}
