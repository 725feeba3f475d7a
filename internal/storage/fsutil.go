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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	kverrors "kaydb/internal/errors"
)

// wrapPathError classifies a filesystem error. Permission problems get a
// hint on how to fix the directory.
func wrapPathError(err error, path string, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		return kverrors.IOError(operation, path, err).WithHint(fmt.Sprintf(
			"Make %s writable by this user, or pass a different --data-dir", filepath.Dir(path)))
	}
	return kverrors.FromIO(operation, path, err)
}

// syncDir fsyncs a directory so renames and unlinks inside it are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return wrapPathError(err, dir, "open directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return wrapPathError(err, dir, "sync directory")
	}
	return nil
}

// fileRef is a reference-counted open file. The owner holds one reference
// from creation; readers acquire and release their own. Once the owner
// retires the file and the last reader is gone, the file is closed and,
// when requested, unlinked.
type fileRef struct {
	f       *os.File
	path    string
	refs    atomic.Int64
	remove  atomic.Bool
	retired atomic.Bool
}

func newFileRef(f *os.File, path string) *fileRef {
	r := &fileRef{f: f, path: path}
	r.refs.Store(1)
	return r
}

// acquire takes a reader reference. It fails once the file is fully released.
func (r *fileRef) acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops one reference.
func (r *fileRef) release() {
	if r.refs.Add(-1) == 0 {
		r.f.Close()
		if r.remove.Load() {
			os.Remove(r.path)
		}
	}
}

// retire drops the owner reference. With unlink set, the file is deleted
// after the last reader releases it.
func (r *fileRef) retire(unlink bool) {
	if !r.retired.CompareAndSwap(false, true) {
		return
	}
	r.remove.Store(unlink)
	r.release()
}
