// Copyright 2024 The gk20a Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hwerr holds the standardized error definitions shared by the
// allocator and FIFO packages. Callers match against these values with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) is expected.
package hwerr

import "errors"

var (
	// ErrInvalidArgument indicates malformed constructor parameters or a
	// misaligned fixed-allocation request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoSpace indicates the allocator cannot satisfy a request at the
	// needed order, or that metadata allocation itself failed.
	ErrNoSpace = errors.New("no space")

	// ErrRangeNotFree indicates a fixed-allocation request overlaps an
	// existing allocation.
	ErrRangeNotFree = errors.New("range not free")

	// ErrConfig indicates a hardware device-info inconsistency discovered
	// during FIFO bring-up.
	ErrConfig = errors.New("hardware configuration error")

	// ErrBusy indicates an operation that requires the target to be idle
	// found it busy and was told not to wait.
	ErrBusy = errors.New("busy")

	// ErrTimeout indicates a bounded hardware polling wait exceeded its
	// budget.
	ErrTimeout = errors.New("timeout")

	// ErrRecoveryDeferred is not a failure: it signals that an engine reset
	// was postponed pending debugger interaction and will complete when the
	// faulted channel is released.
	ErrRecoveryDeferred = errors.New("recovery deferred")
)
