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
Package errors provides the structured error taxonomy for KayDB.

Every failure the engine can surface is a *KayError carrying a numeric code,
a category, a human message and an optional cause. Callers branch on the
code, never on the message text.

Error Categories:
=================

  - STORAGE: disk, WAL, partition and manifest failures
  - LOOKUP: key absence (a normal result, not a fault)
  - VALIDATION: rejected input such as an empty key
  - REPLICATION: apply ordering and consensus commit outcomes

Matching:
=========

Sentinels such as ErrNotFound compare by code, so errors.Is works on any
KayError no matter how much detail or wrapping it picked up on the way:

	if errors.Is(err, kverrors.ErrNotFound) {
		// absent key
	}
*/
package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"
)

// ErrorCode represents a unique error identifier.
type ErrorCode int

const (
	// Lookup errors (2000-2999)
	ErrCodeNotFound ErrorCode = 2001

	// Storage errors (5000-5999)
	ErrCodeStorage          ErrorCode = 5000
	ErrCodeCorruption       ErrorCode = 5001
	ErrCodeDiskFull         ErrorCode = 5002
	ErrCodeIOError          ErrorCode = 5003
	ErrCodeManifestCorrupt  ErrorCode = 5005
	ErrCodeClosed           ErrorCode = 5006
	ErrCodeDataDirLocked    ErrorCode = 5007
	ErrCodeSnapshotMismatch ErrorCode = 5008

	// Validation errors (6000-6999)
	ErrCodeKeyEmpty     ErrorCode = 6001
	ErrCodeInvalidValue ErrorCode = 6002

	// Replication errors (7000-7999)
	ErrCodeConflict         ErrorCode = 7001
	ErrCodeReplicationGap   ErrorCode = 7002
	ErrCodeSnapshotRequired ErrorCode = 7003
	ErrCodeNotLeader        ErrorCode = 7004
	ErrCodeQuorumTimeout    ErrorCode = 7005
)

// Category represents the error category.
type Category string

const (
	CategoryStorage     Category = "STORAGE"
	CategoryLookup      Category = "LOOKUP"
	CategoryValidation  Category = "VALIDATION"
	CategoryReplication Category = "REPLICATION"
)

// KayError represents a structured error in KayDB.
type KayError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Hint     string
	Cause    error
}

// Error implements the error interface.
func (e *KayError) Error() string {
	msg := fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.Category, e.Message)
	if e.Detail != "" {
		msg += " - " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *KayError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a KayError with the same code.
func (e *KayError) Is(target error) bool {
	t, ok := target.(*KayError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// UserMessage returns a user-friendly error message.
func (e *KayError) UserMessage() string {
	msg := fmt.Sprintf("ERROR: %s", e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("\nHINT: %s", e.Hint)
	}
	return msg
}

// WithDetail adds detail to the error.
func (e *KayError) WithDetail(detail string) *KayError {
	e.Detail = detail
	return e
}

// WithHint adds a hint to the error.
func (e *KayError) WithHint(hint string) *KayError {
	e.Hint = hint
	return e
}

// WithCause adds a cause to the error.
func (e *KayError) WithCause(cause error) *KayError {
	e.Cause = cause
	return e
}

// Sentinels for errors.Is. Never return these directly; use the
// constructors so each occurrence carries its own detail.
var (
	ErrNotFound         = &KayError{Code: ErrCodeNotFound, Category: CategoryLookup, Message: "key not found"}
	ErrIO               = &KayError{Code: ErrCodeIOError, Category: CategoryStorage, Message: "I/O error"}
	ErrDiskFull         = &KayError{Code: ErrCodeDiskFull, Category: CategoryStorage, Message: "disk full"}
	ErrCorruption       = &KayError{Code: ErrCodeCorruption, Category: CategoryStorage, Message: "data corruption"}
	ErrManifestCorrupt  = &KayError{Code: ErrCodeManifestCorrupt, Category: CategoryStorage, Message: "manifest corrupt"}
	ErrClosed           = &KayError{Code: ErrCodeClosed, Category: CategoryStorage, Message: "engine closed"}
	ErrDataDirLocked    = &KayError{Code: ErrCodeDataDirLocked, Category: CategoryStorage, Message: "data directory locked"}
	ErrSnapshotMismatch = &KayError{Code: ErrCodeSnapshotMismatch, Category: CategoryStorage, Message: "snapshot verification failed"}
	ErrKeyEmpty         = &KayError{Code: ErrCodeKeyEmpty, Category: CategoryValidation, Message: "key is empty"}
	ErrInvalidValue     = &KayError{Code: ErrCodeInvalidValue, Category: CategoryValidation, Message: "invalid value"}
	ErrConflict         = &KayError{Code: ErrCodeConflict, Category: CategoryReplication, Message: "sequence conflict"}
	ErrReplicationGap   = &KayError{Code: ErrCodeReplicationGap, Category: CategoryReplication, Message: "replication gap"}
	ErrSnapshotRequired = &KayError{Code: ErrCodeSnapshotRequired, Category: CategoryReplication, Message: "snapshot required"}
	ErrNotLeader        = &KayError{Code: ErrCodeNotLeader, Category: CategoryReplication, Message: "not the leader"}
	ErrQuorumTimeout    = &KayError{Code: ErrCodeQuorumTimeout, Category: CategoryReplication, Message: "quorum timeout"}
)

// ============================================================================
// Storage Error Constructors
// ============================================================================

// IOError creates an error for a failed disk operation.
func IOError(op, path string, cause error) *KayError {
	return &KayError{
		Code:     ErrCodeIOError,
		Category: CategoryStorage,
		Message:  "I/O error",
		Detail:   fmt.Sprintf("%s %s", op, path),
		Cause:    cause,
	}
}

// DiskFull creates an error for an exhausted device.
func DiskFull(op, path string, cause error) *KayError {
	return &KayError{
		Code:     ErrCodeDiskFull,
		Category: CategoryStorage,
		Message:  "disk full",
		Detail:   fmt.Sprintf("%s %s", op, path),
		Hint:     "Free space on the data volume, then retry the operation",
		Cause:    cause,
	}
}

// FromIO classifies an operating system error. A nil err yields nil.
func FromIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ke *KayError
	if stderrors.As(err, &ke) {
		return err
	}
	if stderrors.Is(err, syscall.ENOSPC) {
		return DiskFull(op, path, err)
	}
	return IOError(op, path, err)
}

// Corruption creates an error for a checksum or length mismatch.
func Corruption(path string, offset int64, detail string) *KayError {
	return &KayError{
		Code:     ErrCodeCorruption,
		Category: CategoryStorage,
		Message:  "data corruption",
		Detail:   fmt.Sprintf("%s at offset %d: %s", path, offset, detail),
	}
}

// ManifestCorrupt creates the fatal error raised when the partition list
// cannot be trusted.
func ManifestCorrupt(path string, cause error) *KayError {
	return &KayError{
		Code:     ErrCodeManifestCorrupt,
		Category: CategoryStorage,
		Message:  "manifest corrupt",
		Detail:   path,
		Hint:     "Restore the data directory from a snapshot or backup",
		Cause:    cause,
	}
}

// Closed creates an error for use of a closed engine.
func Closed() *KayError {
	return &KayError{
		Code:     ErrCodeClosed,
		Category: CategoryStorage,
		Message:  "engine closed",
	}
}

// DataDirLocked creates an error for a data directory held by another process.
func DataDirLocked(dir string, cause error) *KayError {
	return &KayError{
		Code:     ErrCodeDataDirLocked,
		Category: CategoryStorage,
		Message:  "data directory is locked",
		Detail:   dir,
		Hint:     "Another kaydb process is using this directory",
		Cause:    cause,
	}
}

// SnapshotMismatch creates an error for a snapshot stream whose digest does
// not match its header.
func SnapshotMismatch(detail string) *KayError {
	return &KayError{
		Code:     ErrCodeSnapshotMismatch,
		Category: CategoryStorage,
		Message:  "snapshot verification failed",
		Detail:   detail,
	}
}

// ============================================================================
// Lookup and Validation Error Constructors
// ============================================================================

// NotFound creates an error for an absent key.
func NotFound(key string) *KayError {
	return &KayError{
		Code:     ErrCodeNotFound,
		Category: CategoryLookup,
		Message:  "key not found",
		Detail:   key,
	}
}

// KeyEmpty creates an error for an empty key.
func KeyEmpty() *KayError {
	return &KayError{
		Code:     ErrCodeKeyEmpty,
		Category: CategoryValidation,
		Message:  "key is empty",
	}
}

// InvalidValue creates an error for a rejected value.
func InvalidValue(field, reason string) *KayError {
	return &KayError{
		Code:     ErrCodeInvalidValue,
		Category: CategoryValidation,
		Message:  fmt.Sprintf("invalid value for %s", field),
		Detail:   reason,
	}
}

// ============================================================================
// Replication Error Constructors
// ============================================================================

// Conflict creates an error for a record whose sequence number was already
// applied.
func Conflict(seq, applied uint64) *KayError {
	return &KayError{
		Code:     ErrCodeConflict,
		Category: CategoryReplication,
		Message:  "sequence conflict",
		Detail:   fmt.Sprintf("sequence %d already applied (last applied %d)", seq, applied),
	}
}

// ReplicationGap creates an error for a record that skips ahead of the log.
func ReplicationGap(seq, expected uint64) *KayError {
	return &KayError{
		Code:     ErrCodeReplicationGap,
		Category: CategoryReplication,
		Message:  "replication gap",
		Detail:   fmt.Sprintf("got sequence %d, expected %d", seq, expected),
	}
}

// SnapshotRequired creates an error for a stream request that begins before
// the oldest retained WAL record.
func SnapshotRequired(after, oldest uint64) *KayError {
	return &KayError{
		Code:     ErrCodeSnapshotRequired,
		Category: CategoryReplication,
		Message:  "snapshot required",
		Detail:   fmt.Sprintf("records after %d requested, oldest retained is %d", after, oldest),
		Hint:     "Bootstrap the follower with InstallSnapshot",
	}
}

// NotLeader creates an error for a proposal sent to a non-leader.
func NotLeader(leader string) *KayError {
	e := &KayError{
		Code:     ErrCodeNotLeader,
		Category: CategoryReplication,
		Message:  "not the leader",
	}
	if leader != "" {
		e.Detail = "current leader is " + leader
	}
	return e
}

// QuorumTimeout creates an error for a write that was not acknowledged by a
// quorum in time. The write is not rolled back.
func QuorumTimeout(seq uint64, acked, needed int) *KayError {
	return &KayError{
		Code:     ErrCodeQuorumTimeout,
		Category: CategoryReplication,
		Message:  "quorum timeout",
		Detail:   fmt.Sprintf("sequence %d acknowledged by %d of %d required nodes", seq, acked, needed),
		Hint:     "The write may still commit; retry or query its status",
	}
}

// ============================================================================
// Helper Functions
// ============================================================================

// IsNotFound reports whether err is a key-absence result.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsCorruption reports whether err describes corrupt data.
func IsCorruption(err error) bool {
	return stderrors.Is(err, ErrCorruption) || stderrors.Is(err, ErrManifestCorrupt)
}

// IsConflict reports whether err is a duplicate-sequence apply.
func IsConflict(err error) bool {
	return stderrors.Is(err, ErrConflict)
}

// IsClosed reports whether err came from a closed engine.
func IsClosed(err error) bool {
	return stderrors.Is(err, ErrClosed)
}

// IsQuorumTimeout reports whether err is a consensus commit timeout.
func IsQuorumTimeout(err error) bool {
	return stderrors.Is(err, ErrQuorumTimeout)
}

// GetCode returns the error code if err wraps a KayError, or 0 otherwise.
func GetCode(err error) ErrorCode {
	var ke *KayError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return 0
}

// FormatError formats an error for user display.
func FormatError(err error) string {
	var ke *KayError
	if stderrors.As(err, &ke) {
		return ke.UserMessage()
	}
	return fmt.Sprintf("ERROR: %v", err)
}
