// Package retry provides bounded exponential-backoff retry for outbound
// provider calls, with pluggable retryability classification and a concurrent
// fan-out helper.
//
// The delay schedule is capped exponential backoff with up to 10% positive
// jitter applied after the cap:
//
//	delay = min(BaseDelay * Multiplier^(attempt-1), MaxDelay)
//	delay += delay * 0.1 * U(0,1)   // when Jitter is enabled
//
// Errors are never wrapped: on exhaustion or a non-retryable failure the last
// error is returned exactly as the operation produced it.
//
// Basic usage:
//
//	id, err := retry.Do(ctx, retry.DefaultPolicy(), "send-message",
//	    func(ctx context.Context) (string, error) {
//	        return client.SendText(ctx, to, body)
//	    })
//
// HTTP-aware classification with a provider denylist:
//
//	pred := retry.WithDenylist(retry.IsRetryable, "invalid api key")
//	id, err := retry.DoWithRetryable(ctx, policy, "send-message", fn, pred)
package retry
