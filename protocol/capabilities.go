// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import "slices"

// Capabilities describes what a protocol implementation supports. It is
// declared once per protocol type and copied on registration.
type Capabilities struct {
	Bidirectional bool
	Binary        bool
	Encryption    bool
	Compression   bool
	Batching      bool

	MaxPacketSize int
	MaxBatchSize  int

	// HalfDuplex protocols carry one command at a time. Submitting while
	// another command is queued or in flight fails with KindInvalidState.
	HalfDuplex bool

	// Concurrency bounds how many commands of one batch are in flight at
	// once when they are sent individually. Zero means one.
	Concurrency int

	Features []string
}

// HasFeature reports whether name is among the declared features.
func (c Capabilities) HasFeature(name string) bool {
	return slices.Contains(c.Features, name)
}

func (c Capabilities) clone() Capabilities {
	c.Features = slices.Clone(c.Features)
	return c
}

func (c Capabilities) concurrency() int {
	if c.Concurrency < 1 {
		return 1
	}
	return c.Concurrency
}
