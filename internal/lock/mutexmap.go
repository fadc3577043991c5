package lock

import "sync"

// MutexMap provides keyed in-process mutual exclusion. It guards
// read-modify-write sequences between goroutines of the same worker;
// cross-process exclusion is the Manager's job.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
