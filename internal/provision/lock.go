package provision

import (
	"slices"
	"sync"

	"github.com/terrpan/runnerguard/internal/runner"
)

// subjectLocks serializes the quota check and insert of concurrent
// requests made by the same subject. Different subjects never wait on
// each other.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*subjectLock)}
}

// lockKeys returns the keys a subject is known by. A subject matches on
// its primary id or its secondary id, so both are locked.
func lockKeys(subject runner.Subject) []string {
	keys := []string{string(subject.Kind) + ":id:" + subject.ID}
	if subject.SecondaryID != "" {
		keys = append(keys, string(subject.Kind)+":secondary:"+subject.SecondaryID)
	}
	// Fixed order so two holders of overlapping keys cannot deadlock.
	slices.Sort(keys)
	return keys
}

// lock blocks until every key of subject is held. The returned func
// releases them and is safe to call more than once.
func (l *subjectLocks) lock(subject runner.Subject) func() {
	keys := lockKeys(subject)
	held := make([]*subjectLock, 0, len(keys))
	for _, key := range keys {
		l.mu.Lock()
		sl, ok := l.locks[key]
		if !ok {
			sl = &subjectLock{}
			l.locks[key] = sl
		}
		sl.refs++
		l.mu.Unlock()

		sl.mu.Lock()
		held = append(held, sl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.mu.Lock()
				held[i].refs--
				if held[i].refs == 0 {
					delete(l.locks, keys[i])
				}
				l.mu.Unlock()
			}
		})
	}
}
