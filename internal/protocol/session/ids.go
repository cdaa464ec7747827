package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAtCapacity  = errors.New("session: at capacity")
	ErrIDExhausted = errors.New("session: could not allocate unique session id")
)

const maxAllocRetries = 8

// IDAllocator hands out session ids unique among live sessions.
type IDAllocator interface {
	Allocate() (string, error)
	Release(id string)
}

// IDRegistry allocates uuid session ids and tracks which are live.
// Max > 0 bounds the number of live ids; Allocate then fails with
// ErrAtCapacity.
type IDRegistry struct {
	mu    sync.Mutex
	live  map[string]struct{}
	max   int
	newID func() string
}

func NewIDRegistry(max int) *IDRegistry {
	return &IDRegistry{
		live:  make(map[string]struct{}),
		max:   max,
		newID: uuid.NewString,
	}
}

func (r *IDRegistry) Allocate() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.live) >= r.max {
		return "", ErrAtCapacity
	}
	for i := 0; i < maxAllocRetries; i++ {
		id := r.newID()
		if _, taken := r.live[id]; taken {
			continue
		}
		r.live[id] = struct{}{}
		return id, nil
	}
	return "", ErrIDExhausted
}

func (r *IDRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

func (r *IDRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
