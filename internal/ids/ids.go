/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

// Package ids provides the identifier and clock primitives shared by
// every other component: opaque 128-bit identifiers and UTC, millisecond
// resolution timestamps.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier.
type ID = uuid.UUID

// Nil is the zero-value ID, used to represent "unassigned" / "no parent".
var Nil = uuid.Nil

// New generates a fresh random identifier.
func New() ID {
	return uuid.New()
}

// Parse parses a string-form identifier.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

// Now returns the current instant, truncated to millisecond resolution and
// normalized to UTC — the resolution the store persists timestamps at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
