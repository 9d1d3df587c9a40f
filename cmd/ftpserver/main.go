// liteftpd starts the FTP(S) server from a TOML configuration file.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	golog "github.com/fclairamb/go-log"

	ftpserver "github.com/liteftpd/liteftpd"
	"github.com/liteftpd/liteftpd/internal/config"
	"github.com/liteftpd/liteftpd/internal/driver"
	"github.com/liteftpd/liteftpd/internal/obslog"
)

var ftpServer *ftpserver.FtpServer

func main() {
	var confFile, dataDir string
	var onlyConf bool

	flag.StringVar(&confFile, "conf", "", "Configuration file")
	flag.StringVar(&dataDir, "data", "", "Data directory")
	flag.BoolVar(&onlyConf, "conf-only", false, "Only create the config")
	flag.Parse()

	logger := newLogger()

	autoCreate := onlyConf

	// Starting without -conf is a quick local run: fall back to a default
	// file name and create it so the operator has something to edit.
	if confFile == "" {
		confFile = "settings.toml"
		autoCreate = true
	}

	if autoCreate {
		if _, err := os.Stat(confFile); err != nil {
			if os.IsNotExist(err) {
				logger.Info("No config file, creating one", "confFile", confFile)

				buf, errMarshal := config.Marshal(config.Default())
				if errMarshal != nil {
					logger.Error("Couldn't render default config", "err", errMarshal, "confFile", confFile)
				} else if errWrite := os.WriteFile(confFile, buf, 0o644); errWrite != nil {
					logger.Error("Couldn't create config file", "err", errWrite, "confFile", confFile)
				}
			} else {
				logger.Error("Couldn't stat config file", "err", err, "confFile", confFile)
			}
		}
	}

	cfg, err := config.Load(confFile)
	if err != nil {
		logger.Error("Couldn't load config file, using defaults", "err", err, "confFile", confFile)
		cfg = config.Default()
	}

	if dataDir == "" {
		dataDir = cfg.DataRoot
	}

	if dataDir == "" {
		dataDir = "data"
	}

	drv, err := driver.New(cfg, dataDir)
	if err != nil {
		logger.Error("Could not build the driver", "err", err)
		os.Exit(1)
	}

	ftpServer = ftpserver.NewFtpServer(drv)
	ftpServer.Logger = logger.With("component", "server")

	if onlyConf {
		logger.Info("Only creating conf")
		return
	}

	done := make(chan struct{})
	go signalHandler(done)

	if err := ftpServer.ListenAndServe(); err != nil {
		logger.Error("Problem listening", "err", err)
		close(done)
		os.Exit(1)
	}
}

func signalHandler(done chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(ch)

	for {
		select {
		case sig := <-ch:
			if sig == syscall.SIGTERM || sig == syscall.SIGINT {
				ftpServer.Stop()
				return
			}
		case <-done:
			return
		}
	}
}

func newLogger() golog.Logger {
	return obslog.NewStdout()
}
