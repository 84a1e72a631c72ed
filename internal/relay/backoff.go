package relay

import (
	"math/rand"
	"time"

	"github.com/klaas-sh/klaas/internal/config"
)

// BackoffDelay returns the sleep before reconnect attempt n (1-based):
// min(base * 2^(n-1) + jitter, max) where jitter is uniform in
// [0, ReconnectJitter).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := config.ReconnectBaseDelay << (attempt - 1)
	if delay > config.ReconnectMaxDelay || delay <= 0 {
		return config.ReconnectMaxDelay
	}

	delay += time.Duration(rand.Int63n(int64(config.ReconnectJitter)))
	if delay > config.ReconnectMaxDelay {
		delay = config.ReconnectMaxDelay
	}
	return delay
}
