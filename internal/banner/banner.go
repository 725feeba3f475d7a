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
Package banner prints the KayDB startup banner and a compact view of the
active configuration.

ANSI Color Codes:
=================

Colors use ANSI escape sequences (\033[<code>m). They are only emitted
when the caller asks for them, so piped output stays clean.
*/
package banner

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"kaydb/internal/config"
)

const logo = ` _  __            ____  ____
| |/ /__ _ _   _|  _ \| __ )
| ' // _` + "`" + ` | | | | | | |  _ \
| . \ (_| | |_| | |_| | |_) |
|_|\_\__,_|\__, |____/|____/
           |___/`

// ANSI escape codes for terminal text formatting.
const (
	AnsiRed    = "\033[31m"
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information for KayDB.
const (
	Version   = "0.1.0"
	Copyright = "(c)2026 Firefly Software Solutions Inc"
	License   = "Licensed under Apache 2.0"
)

// Printer writes the banner, optionally with colors.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + AnsiReset
}

// Print writes the logo with version and license lines.
func (p *Printer) Print() {
	fmt.Fprintln(p.w, p.paint(AnsiRed, logo))
	fmt.Fprintln(p.w, p.paint(AnsiRed+AnsiBold, fmt.Sprintf(":: KayDB ::%20s", "(v"+Version+")")))
	fmt.Fprintln(p.w, p.paint(AnsiGreen, Copyright))
	fmt.Fprintln(p.w, p.paint(AnsiGreen, License))
	fmt.Fprintln(p.w)
}

// PrintWithConfig writes the banner followed by the storage and
// replication settings of cfg.
func (p *Printer) PrintWithConfig(cfg *config.Config) {
	p.Print()

	source := "defaults + environment"
	if cfg.ConfigFile != "" {
		source = cfg.ConfigFile
	}
	fmt.Fprintf(p.w, "  %s %s\n\n", p.paint(AnsiDim, "Config:"), source)

	p.section("Storage")
	p.row(
		p.kv("Data", cfg.DataDir),
		p.kv("Sync", cfg.SyncMode),
		p.kv("Codec", cfg.Compression),
	)
	p.row(
		p.kv("Segment", formatBytes(cfg.SegmentSize)),
		p.kv("Flush", cfg.FlushInterval.String()),
		p.kv("Cache", fmt.Sprintf("%d", cfg.CacheCapacity)),
	)
	fmt.Fprintln(p.w)

	p.section("Replication")
	switch cfg.ReplicationMode {
	case config.ReplicationNone:
		p.row(p.kv("Mode", p.paint(AnsiYellow, "standalone")), "", "")
	default:
		peers := "none"
		if len(cfg.Peers) > 0 {
			peers = strings.Join(cfg.Peers, ",")
		}
		p.row(
			p.kv("Mode", p.paint(AnsiGreen, cfg.ReplicationMode)),
			p.kv("Node", cfg.NodeID),
			p.kv("Peers", peers),
		)
		p.row(
			p.kv("Quorum", cfg.QuorumTimeout.String()),
			p.kv("Election", cfg.ElectionTimeout.String()),
			p.kv("Heartbeat", cfg.HeartbeatInterval.String()),
		)
	}
	fmt.Fprintln(p.w)

	p.section("Runtime")
	p.row(
		p.kv("Log", cfg.LogLevel),
		p.kv("CPUs", fmt.Sprintf("%d", runtime.NumCPU())),
		p.kv("GOMAXPROCS", fmt.Sprintf("%d", runtime.GOMAXPROCS(0))),
	)
	fmt.Fprintln(p.w)
}

func (p *Printer) section(title string) {
	const width = 78
	pad := width - len(title) - 6
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(p.w, "  --[ %s ]%s\n", p.paint(AnsiCyan+AnsiBold, title), strings.Repeat("-", pad))
}

func (p *Printer) kv(key, value string) string {
	return p.paint(AnsiDim, key+":") + " " + value
}

func (p *Printer) row(col1, col2, col3 string) {
	fmt.Fprintf(p.w, "  %-32s %-26s %s\n", col1, col2, col3)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.0f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
