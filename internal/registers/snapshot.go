package registers

import (
	"sort"
	"strings"
	"time"
)

// Values maps register paths to raw controller values.
type Values map[string]string

// Snapshot is an immutable view of every known register.
//
// A Snapshot is never modified after it has been published. Accessors that
// return maps return copies.
type Snapshot struct {
	values  Values
	version uint64
	updated time.Time
}

// Get returns the value of one register.
func (s *Snapshot) Get(path string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[path]
	return v, ok
}

// Len returns the number of registers in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// Version increases by one with every published snapshot. The initial empty
// snapshot has version 0.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// UpdatedAt returns when the snapshot was published; zero for the initial
// empty snapshot.
func (s *Snapshot) UpdatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.updated
}

// Values returns a copy of every register.
func (s *Snapshot) Values() Values {
	if s == nil {
		return Values{}
	}
	out := make(Values, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Group returns a copy of the registers whose path starts with prefix.
func (s *Snapshot) Group(prefix string) Values {
	out := make(Values)
	if s == nil {
		return out
	}
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Paths returns every register path in lexical order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.values))
	for k := range s.values {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}
