package jar

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// check asserts the queue's membership invariants: no id is both
// dirty and in flight, and redirty only holds in-flight ids.
func check(q *queue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dirty) != len(q.dirtySet) {
		return false
	}
	for _, id := range q.dirty {
		if !q.dirtySet[id] {
			return false
		}
	}
	for id := range q.dirtySet {
		if _, is := q.inFlight[id]; is {
			return false
		}
		if q.redirty[id] {
			return false
		}
	}
	for id := range q.redirty {
		if _, is := q.inFlight[id]; !is {
			return false
		}
	}
	return true
}

func TestQueueInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ids := []string{"a", "b", "c"}

	properties.Property("membership invariants hold across any op sequence", prop.ForAll(
		func(ops []int) bool {
			q := newQueue()
			for _, op := range ops {
				id := ids[op%len(ids)]
				switch (op / len(ids)) % 3 {
				case 0:
					q.markDirty(id)
				case 1:
					if d, _ := q.length(); d > 0 {
						q.next(time.Second)
					}
				case 2:
					if _, redirtied := q.release(id); redirtied {
						q.markDirty(id)
					}
				}
				if !check(q) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("remarking a dirty id never changes the queue length", prop.ForAll(
		func(n int) bool {
			q := newQueue()
			for i := 0; i < n; i++ {
				q.markDirty("x")
			}
			d, f := q.length()
			if n == 0 {
				return d == 0 && f == 0
			}
			return d == 1 && f == 0
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
