// Copyright 2026 The aeimsLib Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a command.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusRetrying
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusSent:
		return "SENT"
	case StatusRetrying:
		return "RETRYING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:     {StatusSucceeded, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusSent, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CommandContext tracks one logical command from submission to settlement.
type CommandContext struct {
	ID      string
	Payload any

	mu        sync.Mutex
	status    Status
	attempts  int
	startTime time.Time
	endTime   time.Time
	err       error
	result    any
	done      chan struct{}
}

func newCommand(payload any) *CommandContext {
	return &CommandContext{
		ID:        uuid.NewString(),
		Payload:   payload,
		status:    StatusPending,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// CommandSnapshot is a copy of a command's bookkeeping.
type CommandSnapshot struct {
	ID        string
	Status    Status
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
	Err       error
}

// Snapshot returns the current bookkeeping of c.
func (c *CommandContext) Snapshot() CommandSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CommandSnapshot{
		ID:        c.ID,
		Status:    c.status,
		Attempts:  c.attempts,
		StartTime: c.startTime,
		EndTime:   c.endTime,
		Err:       c.err,
	}
}

// Status returns the current status.
func (c *CommandContext) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the command settles.
func (c *CommandContext) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled outcome. It is only meaningful after Done.
func (c *CommandContext) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// markSent moves the command to SENT and counts the attempt.
func (c *CommandContext) markSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.status, StatusSent) {
		return false
	}
	c.status = StatusSent
	c.attempts++
	return true
}

func (c *CommandContext) markRetrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.status, StatusRetrying) {
		return false
	}
	c.status = StatusRetrying
	return true
}

func (c *CommandContext) succeed(result any) bool {
	return c.settle(StatusSucceeded, result, nil)
}

func (c *CommandContext) fail(err error) bool {
	return c.settle(StatusFailed, nil, err)
}

func (c *CommandContext) cancel(err error) bool {
	return c.settle(StatusCancelled, nil, err)
}

func (c *CommandContext) settle(to Status, result any, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.status, to) {
		return false
	}
	c.status = to
	c.result = result
	c.err = err
	c.endTime = time.Now()
	close(c.done)
	return true
}
