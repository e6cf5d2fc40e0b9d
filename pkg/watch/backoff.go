package watch

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	backoffMin = 100 * time.Millisecond
	backoffMax = 10 * time.Second
)

// backoff produces a jittered exponential delay sequence, per spec.md
// §4.1(d): the base delay doubles from backoffMin and is capped at
// backoffMax, and wait.Jitter then adds up to 50% on top of it, so a
// single delay can reach 1.5×backoffMax. A zero-value backoff is ready
// to use.
type backoff struct {
	cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = backoffMin
	} else {
		b.cur *= 2
		if b.cur > backoffMax {
			b.cur = backoffMax
		}
	}
	return wait.Jitter(b.cur, 0.5)
}

func (b *backoff) reset() {
	b.cur = 0
}
