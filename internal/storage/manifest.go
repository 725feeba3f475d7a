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

package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	kverrors "kaydb/internal/errors"
)

/*
Manifest
========

The manifest is the single source of truth for which partitions exist. A
partition file that the manifest does not name is garbage, whatever its
contents. Every change (flush, compaction, snapshot) writes a complete new
manifest to MANIFEST.tmp, fsyncs it, renames it over MANIFEST and fsyncs
the directory, so a crash leaves either the old or the new version.

On disk the JSON document is wrapped in a small envelope:

	[crc32 u32][length u32][json]
*/

const (
	manifestFileName = "MANIFEST"
	manifestVersion  = 1
)

// PartitionMeta is the manifest record of one partition.
type PartitionMeta struct {
	ID             uint64    `json:"id"`
	File           string    `json:"file"`
	Size           int64     `json:"size"`
	KeyCount       int       `json:"key_count"`
	Tombstones     int       `json:"tombstones"`
	MinSeq         uint64    `json:"min_seq"`
	MaxSeq         uint64    `json:"max_seq"`
	Generation     int       `json:"generation"`
	Snapshot       bool      `json:"snapshot,omitempty"`
	Codec          string    `json:"codec"`
	CreatedAt      time.Time `json:"created_at"`
	LastCompaction time.Time `json:"last_compaction,omitempty"`
}

// TombstoneRatio returns the fraction of the partition's keys that are
// tombstones.
func (m PartitionMeta) TombstoneRatio() float64 {
	if m.KeyCount == 0 {
		return 0
	}
	return float64(m.Tombstones) / float64(m.KeyCount)
}

// Manifest describes the durable state of a data directory.
type Manifest struct {
	Version         int    `json:"version"`
	NextPartitionID uint64 `json:"next_partition_id"`
	// FlushedSeq is the highest sequence durably present in partitions.
	// Recovery replays only WAL records above it.
	FlushedSeq uint64 `json:"flushed_seq"`
	// FlushedSegment is the newest WAL segment whose records are all
	// covered by partitions.
	FlushedSegment uint64          `json:"flushed_segment"`
	SnapshotID     uint64          `json:"snapshot_id,omitempty"`
	SnapshotSeq    uint64          `json:"snapshot_seq,omitempty"`
	Partitions     []PartitionMeta `json:"partitions"`
}

func newManifest() *Manifest {
	return &Manifest{Version: manifestVersion, NextPartitionID: 1}
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Partitions = append([]PartitionMeta(nil), m.Partitions...)
	return &c
}

func (m *Manifest) find(id uint64) (int, bool) {
	for i, p := range m.Partitions {
		if p.ID == id {
			return i, true
		}
	}
	return -1, false
}

// loadManifest reads the manifest in dir. A missing manifest yields a fresh
// one; an unreadable one is ManifestCorrupt.
func loadManifest(dir string) (*Manifest, bool, error) {
	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newManifest(), false, nil
	}
	if err != nil {
		return nil, false, wrapPathError(err, path, "read manifest")
	}

	if len(data) < 8 {
		return nil, false, kverrors.ManifestCorrupt(path, errors.New("file too short"))
	}
	sum := binary.BigEndian.Uint32(data[0:4])
	length := binary.BigEndian.Uint32(data[4:8])
	body := data[8:]
	if int(length) != len(body) {
		return nil, false, kverrors.ManifestCorrupt(path, fmt.Errorf("length %d, found %d bytes", length, len(body)))
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, false, kverrors.ManifestCorrupt(path, errors.New("checksum mismatch"))
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, false, kverrors.ManifestCorrupt(path, err)
	}
	if m.Version != manifestVersion {
		return nil, false, kverrors.ManifestCorrupt(path, fmt.Errorf("unsupported version %d", m.Version))
	}
	return &m, true, nil
}

// saveManifest atomically replaces the manifest in dir.
func saveManifest(dir string, m *Manifest) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	buf := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	buf = append(buf, body...)

	path := filepath.Join(dir, manifestFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return wrapPathError(err, tmp, "create manifest")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapPathError(err, tmp, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapPathError(err, tmp, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wrapPathError(err, tmp, "close manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return wrapPathError(err, path, "install manifest")
	}
	return syncDir(dir)
}
