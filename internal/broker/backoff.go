package broker

import (
	"math/rand/v2"
	"time"
)

// DefaultReconnectDelay is the pause between reconnect attempts.
const DefaultReconnectDelay = time.Second

// Backoff is the reconnect delay policy. The zero value waits
// DefaultReconnectDelay between every attempt, forever.
type Backoff struct {
	// Initial is the first delay.
	Initial time.Duration
	// Max caps an exponentially growing delay. Zero keeps the delay fixed at
	// Initial.
	Max time.Duration
	// Jitter spreads each delay uniformly by up to this fraction, in [0, 1].
	Jitter float64
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	if b.Max > 0 {
		for i := 1; i < attempt && d < b.Max; i++ {
			d *= 2
		}
		if d > b.Max {
			d = b.Max
		}
	}
	if b.Jitter > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		spread := float64(d) * j
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}
