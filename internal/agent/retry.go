package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// delaySchedule returns the wait before each retry attempt. The base
// schedule backs off 1s, 3s, 5s and grows by 2s per extra attempt.
func delaySchedule(maxRetries int) []time.Duration {
	delays := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}
	for len(delays) < maxRetries {
		delays = append(delays, delays[len(delays)-1]+2*time.Second)
	}
	return delays[:maxRetries]
}

// ExecuteWithRetry runs Execute up to 1+maxRetries times, retrying only
// failures whose RetryCode is retryable. The last response is returned
// when all attempts fail.
func (iv *Invoker) ExecuteWithRetry(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	maxRetries := iv.cfg.MaxRetries
	delays := delaySchedule(maxRetries)

	var last *PromptResponse
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := delays[attempt-1]
			iv.logger.Info("retrying agent invocation",
				zap.String("run_id", req.RunID),
				zap.String("agent", req.AgentName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.String("retry_code", string(last.RetryCode)))
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-after(iv, delay):
			}
		}

		resp, err := iv.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		last = resp

		if resp.Success || !resp.RetryCode.Retryable() {
			return resp, nil
		}
	}
	return last, nil
}

// after routes waits through the injectable sleeper so tests never
// block.
func after(iv *Invoker, d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		iv.sleep(d)
		close(done)
	}()
	return done
}
