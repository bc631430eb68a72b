// Package retry provides bounded retries and reconnection backoff.
//
// # Retrying a call
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Fixed(attempts, delay) retries with a constant delay, which the translation
// client uses. Wrap an error with NonRetryable to stop immediately.
//
// DoWithResult returns the value of the successful attempt:
//
//	text, err := retry.DoWithResult(ctx, retry.Fixed(3, time.Second), func() (string, error) {
//	    return model.Call(ctx, prompt)
//	})
//
// # Reconnection backoff
//
// Backoff is used by long-lived connections that retry forever. Each Next
// call returns the wait for the current interval with symmetric jitter and
// doubles the interval up to Cap. Reset puts it back to Floor after a
// successful connection.
//
//	b := retry.NewBackoff(time.Second, 30*time.Second, 0.2)
//	wait := b.Next()
package retry
