// SPDX-License-Identifier: AGPL-3.0-or-later
// Federation - peer-to-peer ring overlay substrate
// Copyright (C) 2026 Federation Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package ferr is the error taxonomy shared across the federation core.
// Sentinels are compared with errors.Is; callers that need to retry
// should consult Retryable rather than switching on identity directly,
// since a wrapped sentinel still satisfies errors.Is through %w.
package ferr

import "errors"

// Stale or benign: logged and absorbed, never surfaced as a failure.
var (
	ErrStaleRequest = errors.New("federation: stale request")
	ErrAlreadyExists = errors.New("federation: already exists")
)

// Retryable at the routing layer.
var (
	ErrNodeIsNotRouting      = errors.New("federation: node is not routing")
	ErrP2PNodeDoesNotMatch   = errors.New("federation: peer-to-peer node does not match")
)

// Terminal per-operation: returned to the caller unmodified.
var (
	ErrRoutingNodeDoesNotMatch = errors.New("federation: routing node does not match")
	ErrOperationFailed         = errors.New("federation: operation failed")
	ErrTimeout                 = errors.New("federation: timeout")
)

// Fatal per-node: drive the node to Shutdown, no retry.
var (
	ErrLeaseFailed         = errors.New("federation: lease failed")
	ErrNeighborhoodLost    = errors.New("federation: neighborhood lost")
	ErrGlobalLeaseLost     = errors.New("federation: global lease lost")
	ErrIncompatibleVersion = errors.New("federation: incompatible version")
	ErrVoteStoreAccess     = errors.New("federation: vote store access error")
)

// Lifecycle.
var (
	ErrObjectClosed      = errors.New("federation: object closed")
	ErrOperationCanceled = errors.New("federation: operation canceled")
)

// Retryable reports whether a routing hop may retry after err without
// consuming additional retry budget beyond the normal accounting.
func Retryable(err error) bool {
	return errors.Is(err, ErrNodeIsNotRouting) || errors.Is(err, ErrP2PNodeDoesNotMatch)
}

// RetryableIfIdempotent reports whether err may be retried when the
// message in flight has been marked idempotent by the routing layer.
func RetryableIfIdempotent(err error) bool {
	return errors.Is(err, ErrTimeout)
}
