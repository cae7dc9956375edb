// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

const (
	defaultRelayURL  = "wss://clearnet-sandbox.yellow.com/ws"
	defaultFaucetURL = "https://clearnet-sandbox.yellow.com/faucet/requestTokens"
	defaultLogLevel  = "debug"
	configFilename   = "pintelbot.conf"
	logFilename      = "pintelbot.log"
)

var defaultApplicationDirectory = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".pintelbot")
}()

// Config is the pintelbot configuration, populated from defaults, the INI
// config file, and command line flags, in increasing order of precedence.
type Config struct {
	AppData    string   `long:"appdata" description:"Path to application directory."`
	Config     string   `long:"config" description:"Path to an INI configuration file."`
	RelayURL   string   `long:"relay" description:"Relay websocket endpoint."`
	FaucetURL  string   `long:"faucet" description:"Test-token faucet endpoint. Blank disables faucet requests."`
	PrivKey    string   `long:"privkey" description:"Hex-encoded account private key. Dev/test use only."`
	Markets    []string `long:"market" description:"Market to join at startup. May be specified multiple times."`
	DebugLevel string   `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or a comma-separated list of subsystem=level pairs."`
	LocalLogs  bool     `long:"loglocal" description:"Use local time zone time stamps in log entries."`
	LogStdout  bool     `long:"stdout" description:"Mirror log output to stdout."`
	ShowVer    bool     `short:"V" long:"version" description:"Display version information and exit."`
}

var defaultConfig = Config{
	AppData:    defaultApplicationDirectory,
	RelayURL:   defaultRelayURL,
	FaucetURL:  defaultFaucetURL,
	DebugLevel: defaultLogLevel,
	LogStdout:  true,
}

// configure processes the command line and the INI config file. Command line
// options take precedence over file settings.
func configure() (*Config, error) {
	cfg := defaultConfig

	// Pre-parse to pick up --appdata and --config before loading the file.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	_, flagerr := preParser.Parse()
	if flagerr != nil {
		var e *flags.Error
		if !errors.As(flagerr, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, flagerr
	}
	if preCfg.ShowVer {
		cfg.ShowVer = true
		return &cfg, nil
	}

	if preCfg.AppData != defaultApplicationDirectory {
		preCfg.AppData = cleanAndExpandPath(preCfg.AppData)
		if preCfg.Config == "" {
			preCfg.Config = filepath.Join(preCfg.AppData, configFilename)
		}
	}
	configPath := cleanAndExpandPath(preCfg.Config)
	if configPath == "" {
		configPath = filepath.Join(cleanAndExpandPath(preCfg.AppData), configFilename)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("error parsing configuration file: %w", err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg.AppData = cleanAndExpandPath(cfg.AppData)
	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return nil, fmt.Errorf("failed to create application directory: %w", err)
	}
	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ in a file
// path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
