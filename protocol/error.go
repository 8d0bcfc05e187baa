// Copyright 2026 Blink Labs Software
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

package protocol

import "errors"

var ErrProtocolShuttingDown = errors.New("protocol is shutting down")

// Protocol violation errors cause the offending stream to be torn down and the
// peer's ledger to be penalized
var (
	ErrProtocolViolationInvalidMessage = errors.New(
		"protocol violation: invalid message received",
	)
	ErrProtocolViolationHashMismatch = errors.New(
		"protocol violation: block data does not match CID",
	)
	ErrProtocolViolationMessageTooLarge = errors.New(
		"protocol violation: message exceeds maximum size",
	)
	ErrProtocolViolationUnsupportedVersion = errors.New(
		"protocol violation: unsupported protocol version",
	)
)

var (
	// ErrNotFound is returned when a want times out or every known peer and
	// provider has been exhausted
	ErrNotFound = errors.New("block not found")
	// ErrOverloaded is returned when a new want would exceed a configured limit
	ErrOverloaded = errors.New("overloaded: too many outstanding wants")
	// ErrBlockTooLarge is returned for blocks that cannot fit in a single frame
	ErrBlockTooLarge = errors.New("block too large to serve")
)

// IsProtocolViolation returns true if the error is (or wraps) one of the
// protocol violation errors
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolationInvalidMessage) ||
		errors.Is(err, ErrProtocolViolationHashMismatch) ||
		errors.Is(err, ErrProtocolViolationMessageTooLarge) ||
		errors.Is(err, ErrProtocolViolationUnsupportedVersion)
}
