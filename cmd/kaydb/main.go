/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


/*
Package main is the kaydb command-line tool.

It opens the engine in a data directory and runs one command, or starts an
interactive shell when no command is given and stdin is a terminal.

Usage:
======

	kaydb [options] <command> [args]

	kaydb set user:1 alice
	kaydb get user:1
	kaydb delete user:1
	kaydb flush | compact | snapshot | stats | health
	kaydb export snap.ksnp
	kaydb import snap.ksnp
	kaydb shell
	kaydb init [file]

Options:
========

	-data-dir <path>    Data directory (default from config, ./data)
	-config <file>      Configuration file
	-log-level <level>  debug, info, warn, error, off
	-log-json           JSON log output
	-version            Print the version and exit

Settings load in the order defaults, config file, KAYDB_* environment
variables, then the flags above.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"kaydb/internal/banner"
	"kaydb/internal/config"
	"kaydb/internal/logging"
	"kaydb/internal/storage"
	"kaydb/internal/wizard"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the parsed command line.
type options struct {
	dataDir    string
	configPath string
	logLevel   string
	logJSON    bool
	version    bool
	set        map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("kaydb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.dataDir, "data-dir", "", "Data directory")
	fs.StringVar(&opts.configPath, "config", "", "Configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, off")
	fs.BoolVar(&opts.logJSON, "log-json", false, "Enable JSON log output")
	fs.BoolVar(&opts.version, "version", false, "Show version information")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: kaydb [options] <command> [args]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nCommands:\n")
		printCommands(stderr)
		fmt.Fprintf(stderr, "  %-20s %s\n", "shell", "Start the interactive shell")
		fmt.Fprintf(stderr, "  %-20s %s\n", "init [file]", "Write a configuration file interactively")
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, fs.Args(), nil
}

// loadConfig applies defaults, file, environment and flags in that order.
func loadConfig(opts *options) (*config.Config, error) {
	mgr := config.NewManager()
	if opts.configPath != "" {
		if err := mgr.LoadFromFile(opts.configPath); err != nil {
			return nil, err
		}
		mgr.LoadFromEnv()
	} else if err := mgr.Load(); err != nil {
		return nil, err
	}

	cfg := mgr.Get()
	if opts.set["data-dir"] {
		cfg.DataDir = opts.dataDir
	}
	if opts.set["log-level"] {
		cfg.LogLevel = opts.logLevel
	}
	if opts.set["log-json"] {
		cfg.LogJSON = opts.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func run(ctx context.Context, args []string, stdin *os.File, stdout, stderr io.Writer) int {
	opts, rest, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "kaydb %s\n", banner.Version)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "kaydb: %v\n", err)
		return 1
	}
	cfg.ApplyLogging()
	logging.SetGlobalOutput(stderr)

	if len(rest) > 0 && strings.EqualFold(rest[0], "init") {
		return runInit(cfg, rest[1:], stdin, stdout, stderr)
	}

	interactive := len(rest) == 0 || strings.EqualFold(rest[0], "shell")
	if len(rest) == 0 && !isTerminal(stdin) {
		fmt.Fprintln(stderr, "kaydb: no command given (see -help)")
		return 2
	}

	engine, err := storage.Open(ctx, cfg.ToStorageOptions())
	if err != nil {
		fmt.Fprintf(stderr, "kaydb: %v\n", err)
		return 1
	}
	defer engine.Close()

	s := newSession(engine, stdout)
	if interactive {
		color := false
		if f, ok := stdout.(*os.File); ok {
			color = isTerminal(f)
		}
		banner.NewPrinter(stdout, color).PrintWithConfig(cfg)
		if err := runShell(ctx, s, stdin, historyFilePath()); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "kaydb: %v\n", err)
			return 1
		}
		return 0
	}

	if err := s.execute(ctx, rest); err != nil {
		fmt.Fprintf(stderr, "kaydb: %v\n", err)
		return 1
	}
	return 0
}

// runInit runs the configuration wizard and saves the result.
func runInit(cfg *config.Config, args []string, stdin *os.File, stdout, stderr io.Writer) int {
	path := "kaydb.conf"
	if cfg.ConfigFile != "" {
		path = cfg.ConfigFile
	}
	if len(args) > 1 {
		fmt.Fprintln(stderr, "usage: kaydb init [file]")
		return 2
	}
	if len(args) == 1 {
		path = args[0]
	}

	out, err := wizard.New(stdin, stdout, isTerminal(stdin)).Run(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "kaydb: %v\n", err)
		return 1
	}
	if err := out.SaveToFile(path); err != nil {
		fmt.Fprintf(stderr, "kaydb: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "\nConfiguration written to %s\n", path)
	return 0
}
