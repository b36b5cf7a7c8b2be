package embedder

import "errors"

// ErrUnavailable indicates the embedding model could not be loaded or
// invoked. The condition is transient; callers retry with backoff.
var ErrUnavailable = errors.New("embedder unavailable")

// ErrInputTooLarge indicates the text exceeds the model context window.
// The condition is permanent for that input; callers must not retry.
var ErrInputTooLarge = errors.New("input exceeds model context")

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
