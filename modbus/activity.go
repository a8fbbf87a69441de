// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"sync"
	"time"
)

// activityTracker remembers when bytes last went over the line.
type activityTracker struct {
	mu           sync.Mutex
	lastActivity time.Time
}

func (a *activityTracker) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *activityTracker) reset() {
	a.mu.Lock()
	a.lastActivity = time.Time{}
	a.mu.Unlock()
}

// idle returns how long the line has been quiet. A line without any traffic
// yet is idle for as long as the tracker exists.
func (a *activityTracker) idle() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastActivity.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(a.lastActivity)
}

// waitSilence blocks until the line has been quiet for at least d.
func (a *activityTracker) waitSilence(ctx context.Context, d time.Duration) error {
	for {
		remaining := d - a.idle()
		if remaining <= 0 {
			return nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
