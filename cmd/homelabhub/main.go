// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// homelabhub is the fleet hub daemon: it opens the store, wires the
// services and workers together and serves the control-plane API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/yaml.v3"

	"github.com/DarrenBenson/homelabcmd/apiserver"
	"github.com/DarrenBenson/homelabcmd/database"
	"github.com/DarrenBenson/homelabcmd/internal/apply"
	"github.com/DarrenBenson/homelabcmd/internal/compliance"
	"github.com/DarrenBenson/homelabcmd/internal/heartbeat"
	"github.com/DarrenBenson/homelabcmd/internal/notify"
	"github.com/DarrenBenson/homelabcmd/internal/packs"
	"github.com/DarrenBenson/homelabcmd/internal/remediation"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/internal/tokens"
	"github.com/DarrenBenson/homelabcmd/internal/vault"
	"github.com/DarrenBenson/homelabcmd/internal/worker/applier"
	"github.com/DarrenBenson/homelabcmd/internal/worker/scheduler"
	"github.com/DarrenBenson/homelabcmd/state"
	"github.com/DarrenBenson/homelabcmd/version"
)

var logger = loggo.GetLogger("homelabcmd.cmd.homelabhub")

// hubSettings is the daemon's YAML configuration file.
type hubSettings struct {
	// Listen is the bind address for the API, host:port.
	Listen string `yaml:"listen"`
	// HubURL is the externally reachable base URL, embedded in install
	// commands and agent configs.
	HubURL string `yaml:"hub_url"`
	// DatabasePath locates the SQLite store. Empty runs in memory.
	DatabasePath string `yaml:"database_path"`
	// PacksDir holds the config pack YAML files.
	PacksDir string `yaml:"packs_dir"`
	// AdminKey is the shared API key. The HOMELABHUB_ADMIN_KEY
	// environment variable overrides it so the file need not hold it.
	AdminKey string `yaml:"admin_key"`
	// VaultKey is the 64-hex-character vault key. Overridable via
	// HOMELABHUB_VAULT_KEY.
	VaultKey string `yaml:"vault_key"`
	// SSHUser is the default remote user when a server sets none.
	SSHUser string `yaml:"ssh_user"`
	// OfflineAfterSeconds is how long a silent server stays online.
	OfflineAfterSeconds int `yaml:"offline_after_seconds"`
	// LogConfig is a loggo specification, e.g. "<root>=DEBUG".
	LogConfig string `yaml:"log_config"`
	// LogFile, when set, sends logs to a size-rotated file.
	LogFile          string `yaml:"log_file"`
	LogFileMaxSizeMB int    `yaml:"log_file_max_size_mb"`
	LogFileBackups   int    `yaml:"log_file_backups"`
}

func (s *hubSettings) validate() error {
	if s.AdminKey == "" {
		return errors.NotValidf("empty admin_key")
	}
	if s.VaultKey == "" {
		return errors.NotValidf("empty vault_key")
	}
	if s.PacksDir == "" {
		return errors.NotValidf("empty packs_dir")
	}
	return nil
}

func loadSettings(path string) (hubSettings, error) {
	settings := hubSettings{
		Listen:           ":8420",
		HubURL:           "http://localhost:8420",
		DatabasePath:     "/var/lib/homelabhub/hub.db",
		PacksDir:         "/etc/homelabhub/packs",
		SSHUser:          "root",
		LogFileMaxSizeMB: 100,
		LogFileBackups:   2,
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return hubSettings{}, errors.Annotate(err, "reading config")
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return hubSettings{}, errors.Annotate(err, "parsing config")
		}
	}
	if key := os.Getenv("HOMELABHUB_ADMIN_KEY"); key != "" {
		settings.AdminKey = key
	}
	if key := os.Getenv("HOMELABHUB_VAULT_KEY"); key != "" {
		settings.VaultKey = key
	}
	return settings, errors.Trace(settings.validate())
}

func configureLogging(settings hubSettings) error {
	if settings.LogFile != "" {
		writer := loggo.NewSimpleWriter(&lumberjack.Logger{
			Filename:   settings.LogFile,
			MaxSize:    settings.LogFileMaxSizeMB,
			MaxBackups: settings.LogFileBackups,
			Compress:   true,
		}, loggo.DefaultFormatter)
		if _, err := loggo.ReplaceDefaultWriter(writer); err != nil {
			return errors.Trace(err)
		}
	}
	spec := settings.LogConfig
	if spec == "" {
		spec = "<root>=INFO"
	}
	return errors.Trace(loggo.ConfigureLoggers(spec))
}

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses flags and runs the hub until a signal stops it.
func Main(args []string) int {
	flags := gnuflag.NewFlagSetWithFlagKnownAs("homelabhub", gnuflag.ContinueOnError, "option")
	configPath := flags.String("config", "/etc/homelabhub/hub.yaml", "path to the hub configuration file")
	listen := flags.String("listen", "", "override the configured listen address")
	showVersion := flags.Bool("version", false, "print the hub version and exit")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *showVersion {
		fmt.Println(version.Current)
		return 0
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *listen != "" {
		settings.Listen = *listen
	}
	if err := configureLogging(settings); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := run(settings); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(settings hubSettings) error {
	ctx := context.Background()
	clk := clock.WallClock

	db, err := database.Open(ctx, settings.DatabasePath)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = db.Close() }()
	st := state.NewState(db)

	vlt, err := vault.New(st, clk, settings.VaultKey)
	if err != nil {
		return errors.Trace(err)
	}
	pool := sshexec.NewPool(clk)
	defer pool.Close()
	executor := sshexec.NewExecutor(pool, vlt, settings.SSHUser)

	registry := packs.NewRegistry(settings.PacksDir)
	engine := apply.NewEngine(registry, executor)
	notifier := notify.NewNotifier(nil, clk)

	sched, err := scheduler.New(scheduler.Config{
		State:        st,
		Clock:        clk,
		Notifier:     notifier,
		Pool:         pool,
		OfflineAfter: time.Duration(settings.OfflineAfterSeconds) * time.Second,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(sched) }()

	background, err := applier.New(applier.Config{
		State:  st,
		Engine: engine,
		Clock:  clk,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = worker.Stop(background) }()

	api, err := apiserver.NewServer(apiserver.Config{
		State:       st,
		Clock:       clk,
		AdminKey:    settings.AdminKey,
		HubURL:      settings.HubURL,
		Tokens:      tokens.NewService(st, clk, settings.HubURL),
		Heartbeat:   heartbeat.NewProcessor(st, clk, notifier),
		Remediation: remediation.NewService(st, executor, clk),
		Compliance:  compliance.NewChecker(registry, executor, clk),
		Engine:      engine,
		Notifier:    notifier,
		Vault:       vlt,
		Version:     version.Current,
	})
	if err != nil {
		return errors.Trace(err)
	}

	server := &http.Server{
		Addr:              settings.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("homelabhub %s listening on %s", version.Current, settings.Listen)
		serveErr <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("received %s, shutting down", sig)
	case err := <-serveErr:
		return errors.Annotate(err, "api server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("shutting down api server: %v", err)
	}
	return nil
}
