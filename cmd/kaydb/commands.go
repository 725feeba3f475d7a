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


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kaydb/internal/banner"
	kverrors "kaydb/internal/errors"
	"kaydb/internal/health"
	"kaydb/internal/storage"
)

// session is the state one-shot commands and the shell share.
type session struct {
	engine  *storage.Engine
	out     io.Writer
	printer *message.Printer
	checker *health.Checker
}

func newSession(engine *storage.Engine, out io.Writer) *session {
	checker := health.NewChecker(banner.Version)
	checker.RegisterCheck("storage", health.StorageCheck(engine))
	return &session{
		engine:  engine,
		out:     out,
		printer: message.NewPrinter(language.English),
		checker: checker,
	}
}

type command struct {
	usage   string
	help    string
	minArgs int
	maxArgs int // -1 for unbounded
	run     func(ctx context.Context, s *session, args []string) error
}

var commands = map[string]command{
	"set": {
		usage:   "set <key> <value>",
		help:    "Store a value",
		minArgs: 2, maxArgs: -1,
		run: func(ctx context.Context, s *session, args []string) error {
			seq, err := s.engine.Set(ctx, []byte(args[0]), []byte(strings.Join(args[1:], " ")))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "OK (seq %d)\n", seq)
			return nil
		},
	},
	"get": {
		usage:   "get <key>",
		help:    "Print the value of a key",
		minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, s *session, args []string) error {
			v, err := s.engine.Get(ctx, []byte(args[0]))
			if errors.Is(err, kverrors.ErrNotFound) {
				fmt.Fprintln(s.out, "(not found)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(s.out, string(v))
			return nil
		},
	},
	"delete": {
		usage:   "delete <key>",
		help:    "Delete a key",
		minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, s *session, args []string) error {
			seq, err := s.engine.Delete(ctx, []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "OK (seq %d)\n", seq)
			return nil
		},
	},
	"flush": {
		usage: "flush",
		help:  "Write the active WAL segment to a partition",
		run: func(ctx context.Context, s *session, args []string) error {
			if err := s.engine.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "OK")
			return nil
		},
	},
	"compact": {
		usage: "compact",
		help:  "Merge partitions and purge tombstones",
		run: func(ctx context.Context, s *session, args []string) error {
			res, err := s.engine.Compact(ctx)
			if err != nil {
				return err
			}
			if len(res.Inputs) == 0 {
				fmt.Fprintln(s.out, "Nothing to compact")
				return nil
			}
			s.printer.Fprintf(s.out, "Merged %d partitions into %d: %d keys, %d superseded, %d tombstones purged, %d bytes reclaimed (%s)\n",
				len(res.Inputs), res.Output, res.KeysWritten, res.Superseded, res.TombstonesPurged,
				res.Reclaimed(), res.Duration.Round(time.Millisecond))
			return nil
		},
	},
	"snapshot": {
		usage: "snapshot",
		help:  "Compact everything into a snapshot partition",
		run: func(ctx context.Context, s *session, args []string) error {
			id, err := s.engine.Snapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Snapshot %d at seq %d\n", id, s.engine.LastSequence())
			return nil
		},
	},
	"export": {
		usage:   "export <file>",
		help:    "Write the latest snapshot to a file",
		minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, s *session, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			info, err := s.engine.ExportSnapshot(ctx, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[0])
				return err
			}
			s.printer.Fprintf(s.out, "Exported snapshot %d (seq %d, %d bytes)\n", info.ID, info.Seq, info.Size)
			return nil
		},
	},
	"import": {
		usage:   "import <file>",
		help:    "Install a snapshot exported by another node",
		minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, s *session, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := s.engine.InstallSnapshot(ctx, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Installed snapshot %d at seq %d\n", info.ID, info.Seq)
			return nil
		},
	},
	"stats": {
		usage: "stats",
		help:  "Show engine statistics",
		run: func(ctx context.Context, s *session, args []string) error {
			printStats(s.printer, s.out, s.engine.Stats())
			return nil
		},
	},
	"health": {
		usage: "health",
		help:  "Run health checks and print the result as JSON",
		run: func(ctx context.Context, s *session, args []string) error {
			resp := s.checker.RunChecks(ctx)
			enc := json.NewEncoder(s.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(resp); err != nil {
				return err
			}
			if resp.Status == health.StatusUnhealthy {
				return fmt.Errorf("node is %s", resp.Status)
			}
			return nil
		},
	},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printCommands(w io.Writer) {
	for _, name := range commandNames() {
		c := commands[name]
		fmt.Fprintf(w, "  %-20s %s\n", c.usage, c.help)
	}
	fmt.Fprintf(w, "  %-20s %s\n", "help", "List commands")
}

// execute runs one command given as name and arguments.
func (s *session) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])
	if name == "help" {
		printCommands(s.out)
		return nil
	}
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	args = args[1:]
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		return fmt.Errorf("usage: %s", c.usage)
	}
	return c.run(ctx, s, args)
}

func printStats(p *message.Printer, w io.Writer, st storage.EngineStats) {
	m := st.Metrics
	b := st.Backend

	p.Fprintf(w, "Engine (%s)\n", b.Kind)
	p.Fprintf(w, "  %-20s %d\n", "last sequence", st.LastSeq)
	p.Fprintf(w, "  %-20s %d\n", "live keys", b.LiveKeys)
	p.Fprintf(w, "  %-20s %d bytes in %d segments\n", "wal", b.WALSize, b.WALSegments)
	p.Fprintf(w, "  %-20s %d (%d bytes)\n", "partitions", b.Partitions, b.PartitionBytes)
	p.Fprintf(w, "  %-20s %d\n", "flushed sequence", b.FlushedSeq)
	if b.SnapshotID != 0 {
		p.Fprintf(w, "  %-20s %d at seq %d\n", "snapshot", b.SnapshotID, b.SnapshotSeq)
	}
	if b.Recovery.Records > 0 || b.Recovery.TornRecords > 0 {
		p.Fprintf(w, "  %-20s %d records replayed, %d torn\n", "recovery", b.Recovery.Replayed, b.Recovery.TornRecords)
	}

	p.Fprintf(w, "Operations\n")
	p.Fprintf(w, "  %-20s %d (avg %s, max %s)\n", "reads", m.Reads, m.ReadLatencyAvg, m.ReadLatencyMax)
	p.Fprintf(w, "  %-20s %d (avg %s, max %s)\n", "writes", m.Writes, m.WriteLatencyAvg, m.WriteLatencyMax)
	p.Fprintf(w, "  %-20s %d\n", "deletes", m.Deletes)
	p.Fprintf(w, "  %-20s %d\n", "flushes", m.Flushes)
	p.Fprintf(w, "  %-20s %d (%d bytes reclaimed)\n", "compactions", m.Compactions, m.BytesReclaimed)

	p.Fprintf(w, "Cache\n")
	p.Fprintf(w, "  %-20s %d / %d\n", "entries", st.Cache.Entries, st.Cache.Capacity)
	p.Fprintf(w, "  %-20s %d hits, %d misses (%.1f%%)\n", "lookups", m.CacheHits, m.CacheMisses, m.CacheHitRate*100)
	p.Fprintf(w, "  %-20s %d\n", "bloom negatives", m.BloomNegatives)

	if m.LastApplied > 0 || m.RecordsShipped > 0 || m.IsLeader {
		p.Fprintf(w, "Replication\n")
		p.Fprintf(w, "  %-20s %v\n", "leader", m.IsLeader)
		p.Fprintf(w, "  %-20s %d\n", "last applied", m.LastApplied)
		p.Fprintf(w, "  %-20s %d\n", "lag", m.ReplicationLag)
		p.Fprintf(w, "  %-20s %d\n", "records shipped", m.RecordsShipped)
		p.Fprintf(w, "  %-20s %d\n", "quorum timeouts", m.QuorumTimeouts)
	}
}
