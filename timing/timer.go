// Package timing implements per-worker instrumentation buckets: init,
// per-task, dispose, input-wait, and output-wait timers. Purely
// observational — nothing in the dispatch path reads these values to
// make a decision.
package timing

import (
	"fmt"
	"sync"
	"time"
)

// Bucket accumulates elapsed time across one or more measured sections.
// PerItem buckets report an average per call instead of a running total
// ("perTask", "avg_in_wait", and "avg_out_wait" are per-item; "init" and
// "dispose" are not).
type Bucket struct {
	Name    string
	PerItem bool

	mu      sync.Mutex
	elapsed time.Duration
	count   int
}

// NewBucket creates a named timing bucket.
func NewBucket(name string, perItem bool) *Bucket {
	return &Bucket{Name: name, PerItem: perItem}
}

// Measure times fn and records its duration into the bucket.
func (b *Bucket) Measure(fn func()) {
	start := time.Now()
	defer func() {
		b.mu.Lock()
		b.elapsed += time.Since(start)
		b.count++
		b.mu.Unlock()
	}()
	fn()
}

// Elapsed returns the accumulated duration and call count.
func (b *Bucket) Elapsed() (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elapsed, b.count
}

func (b *Bucket) String() string {
	elapsed, count := b.Elapsed()
	if count == 0 {
		return fmt.Sprintf("%s: 0s", b.Name)
	}
	if b.PerItem {
		return fmt.Sprintf("%s: %s * %d", b.Name, elapsed/time.Duration(count), count)
	}
	return fmt.Sprintf("%s: %s", b.Name, elapsed)
}

// Timer is the fixed set of buckets a single worker accumulates over its
// lifetime.
type Timer struct {
	Init       *Bucket
	PerTask    *Bucket
	Dispose    *Bucket
	InputWait  *Bucket
	OutputWait *Bucket
}

// NewTimer allocates a fresh bucket set for one worker.
func NewTimer() *Timer {
	return &Timer{
		Init:       NewBucket("init", false),
		PerTask:    NewBucket("perTask", true),
		Dispose:    NewBucket("dispose", false),
		InputWait:  NewBucket("avg_in_wait", true),
		OutputWait: NewBucket("avg_out_wait", true),
	}
}

// Buckets returns all buckets in a stable, reporting order.
func (t *Timer) Buckets() []*Bucket {
	return []*Bucket{t.Init, t.PerTask, t.Dispose, t.InputWait, t.OutputWait}
}

// Merge combines same-named buckets — typically one per worker in a
// pool — into a single bucket whose elapsed time and call count are the
// sum of every input bucket's.
func Merge(name string, perItem bool, buckets ...*Bucket) *Bucket {
	out := NewBucket(name, perItem)
	for _, b := range buckets {
		elapsed, count := b.Elapsed()
		out.elapsed += elapsed
		out.count += count
	}
	return out
}

func (t *Timer) String() string {
	out := ""
	for i, b := range t.Buckets() {
		if i > 0 {
			out += " "
		}
		out += b.String()
	}
	return out
}
