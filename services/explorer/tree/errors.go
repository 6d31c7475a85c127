// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"errors"
	"fmt"
)

// DuplicateNodeError is returned by Insert when the ID already exists.
// This indicates a caller bug; callers log it and ignore the operation.
type DuplicateNodeError struct {
	// ID is the node ID that already exists.
	ID string
}

// Error implements the error interface.
func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("node %s already exists", e.ID)
}

// NodeNotFoundError is returned when an operation targets a missing ID.
// Callers log it and ignore the operation; it never crashes the
// scheduler loop.
type NodeNotFoundError struct {
	// ID is the node ID that was not found.
	ID string
}

// Error implements the error interface.
func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %s not found", e.ID)
}

// IsNotFound reports whether err is a NodeNotFoundError.
func IsNotFound(err error) bool {
	var nf *NodeNotFoundError
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is a DuplicateNodeError.
func IsDuplicate(err error) bool {
	var dup *DuplicateNodeError
	return errors.As(err, &dup)
}
