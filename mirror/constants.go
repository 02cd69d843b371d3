// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import "time"

// Event type constants carried in change notifications
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Error kind constants for divergence records and typed errors
const (
	KindTransientIO          = "transient_io"
	KindUnresolvedDependency = "unresolved_dependency"
	KindConstraintViolation  = "constraint_violation"
	KindNotFoundAtSource     = "not_found_at_source"
	KindInternalError        = "internal_error"
)

// Defaults used when Config fields are left zero
const (
	DefaultChannel           = "mirror_changes"
	DefaultWindowSize        = 5000
	DefaultFetchChunkSize    = 200
	DefaultMaxInFlight       = 16
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRefreshEvery      = 6
	DefaultReconnectBackoff  = 5 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 2 * time.Second
	DefaultShutdownGrace     = 30 * time.Second
)

// applyBatchChunkSize bounds pgx.Batch frames on the bulk upsert path
const applyBatchChunkSize = 128

// maxDependencyDepth bounds transitive parent resolution
const maxDependencyDepth = 8
