package state

import (
	"fmt"
	"sort"
	"strings"
)

// Listener receives a change at or below the path it subscribed to.
// changedPath is the exact path that was written.
type Listener func(newValue, oldValue any, changedPath string) error

type subscription struct {
	id   uint64
	path string
	fn   Listener
}

// Subscribe registers fn for changes at path or any descendant of path.
// The empty path observes every change. The returned function removes the
// subscription and is safe to call more than once.
func (s *Store) Subscribe(path string, fn Listener) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextSub++
	sub := &subscription{id: s.nextSub, path: path, fn: fn}
	s.subs[path] = append(s.subs[path], sub)
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[path]
		for i, cand := range list {
			if cand.id == sub.id {
				s.subs[path] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[path]) == 0 {
			delete(s.subs, path)
		}
	}
}

// matching returns subscriptions on path and each of its ancestors
// (including the root), in registration order.
func (s *Store) matching(path string) []*subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var out []*subscription
	out = append(out, s.subs[path]...)
	for p := path; p != ""; {
		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			p = ""
		} else {
			p = p[:i]
		}
		out = append(out, s.subs[p]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// notify calls every matching subscriber. All of them run even when an
// earlier one fails or panics; failures come back as one *NotifyError.
func (s *Store) notify(ev ChangeEvent) error {
	subs := s.matching(ev.Path)
	if len(subs) == 0 {
		return nil
	}
	var errs []error
	for _, sub := range subs {
		if err := s.call(sub, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	s.logger.Warn("state subscribers failed", "path", ev.Path, "failures", len(errs))
	return &NotifyError{Path: ev.Path, Errs: errs}
}

func (s *Store) call(sub *subscription, ev ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber on %q panicked: %v", sub.path, r)
		}
	}()
	if err := sub.fn(deepCopy(ev.NewValue), deepCopy(ev.OldValue), ev.Path); err != nil {
		return fmt.Errorf("subscriber on %q: %w", sub.path, err)
	}
	return nil
}
