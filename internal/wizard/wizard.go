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
Package wizard walks a user through writing a KayDB configuration file.

Each step shows the current value in brackets. Pressing Enter keeps it,
and invalid input is rejected with a message and asked again. End of
input accepts the remaining defaults, so the wizard can also be driven
from a script.

Steps:
======

 1. Storage: data directory, sync mode, compression
 2. Cache and compaction: cache capacity, Bloom filter rate
 3. Replication: mode, node ID, peers, quorum timeout
 4. Logging: level, JSON output
*/
package wizard

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"kaydb/internal/compression"
	"kaydb/internal/config"
	"kaydb/internal/storage"
)

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

// Wizard prompts on out and reads answers from in.
type Wizard struct {
	in    *bufio.Reader
	out   io.Writer
	color bool
	eof   bool
}

// New creates a wizard. Colors are only used when color is set.
func New(in io.Reader, out io.Writer, color bool) *Wizard {
	return &Wizard{in: bufio.NewReader(in), out: out, color: color}
}

func (w *Wizard) paint(code, s string) string {
	if !w.color {
		return s
	}
	return code + s + colorReset
}

// Run asks for every setting, starting from defaults, and returns a
// validated configuration. defaults is not modified.
func (w *Wizard) Run(defaults *config.Config) (*config.Config, error) {
	cfg := *defaults
	cfg.Peers = append([]string(nil), defaults.Peers...)

	fmt.Fprintln(w.out, w.paint(colorCyan, "KayDB configuration"))
	fmt.Fprintln(w.out, "Press Enter to keep the value in brackets.")

	w.step(1, "Storage")
	cfg.DataDir = w.prompt("Data directory", cfg.DataDir, notEmpty)
	cfg.SyncMode = w.prompt("Sync mode (always, none)", cfg.SyncMode, func(s string) error {
		_, err := storage.ParseSyncMode(s)
		return err
	})
	cfg.Compression = w.prompt("Compression (none, gzip, lz4)", cfg.Compression, func(s string) error {
		_, err := compression.ParseAlgorithm(s)
		return err
	})

	w.step(2, "Cache and compaction")
	cfg.CacheCapacity = w.promptInt("Cache capacity (entries, 0 disables)", cfg.CacheCapacity, 0)
	cfg.BloomFPRate = w.promptFloat("Bloom filter false-positive rate", cfg.BloomFPRate)

	w.step(3, "Replication")
	cfg.ReplicationMode = w.prompt("Mode (none, log_shipping, consensus)", cfg.ReplicationMode, func(s string) error {
		switch s {
		case config.ReplicationNone, config.ReplicationLogShipping, config.ReplicationConsensus:
			return nil
		}
		return fmt.Errorf("unknown replication mode %q", s)
	})
	if cfg.ReplicationMode != config.ReplicationNone {
		cfg.NodeID = w.prompt("Node ID", cfg.NodeID, notEmpty)
		peers := w.prompt("Peers (comma separated)", strings.Join(cfg.Peers, ","), nil)
		cfg.Peers = nil
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
		ms := w.promptInt("Quorum timeout (ms)", int(cfg.QuorumTimeout.Milliseconds()), 1)
		cfg.QuorumTimeout = time.Duration(ms) * time.Millisecond
	}

	w.step(4, "Logging")
	cfg.LogLevel = w.prompt("Log level (debug, info, warn, error)", cfg.LogLevel, validateLogLevel)
	cfg.LogJSON = w.promptBool("JSON log output", cfg.LogJSON)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (w *Wizard) step(n int, title string) {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, w.paint(colorCyan, fmt.Sprintf("Step %d: %s", n, title)))
}

// prompt asks until validate accepts the answer. An empty answer or end
// of input keeps def.
func (w *Wizard) prompt(label, def string, validate func(string) error) string {
	for {
		fmt.Fprintf(w.out, "%s [%s]: ", label, w.paint(colorYellow, def))
		value := def
		if !w.eof {
			line, err := w.in.ReadString('\n')
			if err != nil {
				w.eof = true
				fmt.Fprintln(w.out)
			}
			if line = strings.TrimSpace(line); line != "" {
				value = line
			}
		}
		if validate == nil {
			return value
		}
		err := validate(value)
		if err == nil {
			return value
		}
		if w.eof {
			// No more input can fix it; Validate reports the problem.
			return value
		}
		fmt.Fprintln(w.out, w.paint(colorRed, "Invalid input: "+err.Error()))
	}
}

func (w *Wizard) promptInt(label string, def, min int) int {
	v := w.prompt(label, strconv.Itoa(def), func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.New("not a number")
		}
		if n < min {
			return fmt.Errorf("must be at least %d", min)
		}
		return nil
	})
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (w *Wizard) promptFloat(label string, def float64) float64 {
	v := w.prompt(label, strconv.FormatFloat(def, 'g', -1, 64), func(s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 || f >= 1 {
			return errors.New("must be a number between 0 and 1")
		}
		return nil
	})
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func (w *Wizard) promptBool(label string, def bool) bool {
	v := w.prompt(label+" (yes/no)", boolToYesNo(def), func(s string) error {
		if _, ok := parseYesNo(s); !ok {
			return errors.New("answer yes or no")
		}
		return nil
	})
	b, ok := parseYesNo(v)
	if !ok {
		return def
	}
	return b
}

func notEmpty(s string) error {
	if s == "" {
		return errors.New("value required")
	}
	return nil
}

// validateLogLevel validates a log level string.
func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

func parseYesNo(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "y", "yes", "true":
		return true, true
	case "n", "no", "false":
		return false, true
	}
	return false, false
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
