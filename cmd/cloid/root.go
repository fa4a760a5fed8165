package main

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cloid/internal/config"
	"cloid/internal/logging"
	"cloid/internal/ollama"
	"cloid/internal/optimize"
	"cloid/internal/provision"
	"cloid/internal/supervisor"
)

// app carries the resolved configuration shared by every subcommand.
type app struct {
	cfgPath string
	flags   config.Config
	cfg     config.Config
	log     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cloid",
		Short:         "Optimized LLM calls against a local Ollama runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "Config file (.yaml, .json or .toml)")
	pf.StringVar(&a.flags.OllamaURL, "ollama-url", "", "Ollama base URL (default "+config.DefaultOllamaURL+")")
	pf.StringVar(&a.flags.Model, "model", "", "Generation model (default "+config.DefaultModel+")")
	pf.StringVar(&a.flags.CacheDir, "cache-dir", "", "Calibration directory (default "+config.DefaultCacheDir+")")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error|off")
	pf.StringVar(&a.flags.LogFormat, "log-format", "", "Log format: json|console")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.resolve(cmd)
	}

	root.AddCommand(
		newServeCmd(a),
		newSetupCmd(a),
		newQueryCmd(a),
		newWarmupCmd(a),
		newCalibrateCmd(a),
		newModelsCmd(a),
		newProvisionCmd(a),
	)
	return root
}

// resolve layers file values, then environment, then explicitly set flags.
func (a *app) resolve(cmd *cobra.Command) error {
	var cfg config.Config
	if a.cfgPath != "" {
		c, err := config.Load(a.cfgPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	cfg = cfg.ApplyEnv(nil)

	fl := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if fl.Changed(name) {
			*dst = v
		}
	}
	set("ollama-url", &cfg.OllamaURL, a.flags.OllamaURL)
	set("model", &cfg.Model, a.flags.Model)
	set("cache-dir", &cfg.CacheDir, a.flags.CacheDir)
	set("log-level", &cfg.LogLevel, a.flags.LogLevel)
	set("log-format", &cfg.LogFormat, a.flags.LogFormat)

	a.cfg = cfg.WithDefaults()
	a.log = logging.New(logging.Options{Level: a.cfg.LogLevel, Format: a.cfg.LogFormat, Out: cmd.ErrOrStderr()})
	return nil
}

func (a *app) client() (*ollama.Client, error) {
	return ollama.New(ollama.Config{
		BaseURL: a.cfg.OllamaURL,
		Model:   a.cfg.Model,
		Logger:  &a.log,
	})
}

func (a *app) optimizer(q optimize.Querier) (*optimize.Optimizer, error) {
	return optimize.New(optimize.Config{
		Model:                a.cfg.Model,
		CacheDir:             a.cfg.CacheDir,
		CacheCapacity:        a.cfg.CacheCapacity,
		MaxPromptLength:      a.cfg.MaxPromptLength,
		WarmupInterval:       time.Duration(a.cfg.WarmupIntervalSeconds) * time.Second,
		WarmupFailureBackoff: time.Duration(a.cfg.WarmupFailureBackoffSeconds) * time.Second,
		AutoWarmup:           a.cfg.AutoWarmup,
		DisableQuantization:  a.cfg.DisableQuantization,
		Logger:               &a.log,
	}, q)
}

// supervisor targets the host and port of the configured Ollama URL.
func (a *app) supervisor(detach bool) (*supervisor.Supervisor, error) {
	host, port, err := hostPort(a.cfg.OllamaURL)
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Config{
		Bin:       a.cfg.OllamaBin,
		Host:      host,
		Port:      port,
		LogPath:   a.cfg.RuntimeLog,
		Detach:    detach,
		Logger:    &a.log,
		Publisher: supervisor.LogPublisher{Log: logging.Component(a.log, "runtime")},
	}), nil
}

func (a *app) provisioner(dir string) (*provision.Provisioner, error) {
	if dir == "" && a.cfg.DataDir != "" {
		dir = filepath.Join(a.cfg.DataDir, "models", "codebert-base")
	}
	return provision.New(provision.Config{Dir: dir, Logger: &a.log})
}

func hostPort(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parse ollama url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("ollama url %q has no host", raw)
	}
	p := u.Port()
	if p == "" {
		if u.Scheme == "https" {
			return host, 443, nil
		}
		return host, 80, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("ollama url port: %w", err)
	}
	return host, port, nil
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// listenURL renders addr as a clickable URL for the startup log.
func listenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
