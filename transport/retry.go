// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"time"
)

// Strategy lists the delays slept between attempts. An empty strategy makes one attempt.
type Strategy struct {
	Delays []time.Duration
}

var (
	NoRetry = Strategy{}

	// Idempotent is used for tool listing and discovery requests.
	Idempotent = Strategy{
		Delays: []time.Duration{
			250 * time.Millisecond,
			750 * time.Millisecond,
		},
	}
)

// Attempts is the total number of tries the strategy allows.
func (s Strategy) Attempts() int {
	return len(s.Delays) + 1
}

type RetryFunc func(ctx context.Context, attempt int) error

// Retry runs fn until it succeeds, returns a non-retryable error or the strategy is exhausted.
// The last error is returned unchanged.
func Retry(ctx context.Context, strategy Strategy, fn RetryFunc) error {
	return RetryWithCallback(ctx, strategy, fn, nil)
}

func RetryWithCallback(ctx context.Context, strategy Strategy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < strategy.Attempts(); i++ {
		lastErr = fn(ctx, i+1)
		if lastErr == nil {
			return nil
		}
		if i == len(strategy.Delays) || !Retryable(lastErr) {
			return lastErr
		}

		delay := strategy.Delays[i]
		if onRetry != nil {
			onRetry(i+1, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
