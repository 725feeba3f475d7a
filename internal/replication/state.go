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


package replication

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	kverrors "kaydb/internal/errors"
)

const stateFileName = "raft-state.json"

// persistentState is what a node must remember across restarts to never
// vote twice in a term.
type persistentState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for,omitempty"`
	// LastTerm is the term of the newest record this node holds.
	LastTerm uint64 `json:"last_term"`
}

// loadState reads the state file in dir. A missing file is a fresh node.
func loadState(dir string) (persistentState, error) {
	var st persistentState
	if dir == "" {
		return st, nil
	}
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, kverrors.FromIO("read raft state", path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, kverrors.Corruption(path, 0, "undecodable raft state").WithCause(err)
	}
	return st, nil
}

// saveState replaces the state file atomically: temp file, fsync, rename,
// then fsync of the directory.
func saveState(dir string, st persistentState) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return kverrors.FromIO("create raft state directory", dir, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, stateFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return kverrors.FromIO("write raft state", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return kverrors.FromIO("write raft state", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return kverrors.FromIO("sync raft state", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kverrors.FromIO("write raft state", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return kverrors.FromIO("install raft state", path, err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return kverrors.FromIO("open directory", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return kverrors.FromIO("sync directory", dir, err)
	}
	return nil
}
