// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"time"
)

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withBackoff runs fn up to attempts times, sleeping delay between attempts,
// but only keeps retrying while the failure is transient. The last error is
// returned when attempts are exhausted.
func withBackoff(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransientError(err) {
			return err
		}
		if i < attempts-1 {
			if serr := sleepWithContext(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}
