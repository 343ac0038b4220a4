package keylock

import "sync"

// Locker 按 key 分段加锁：同一活动的准入串行，不同活动互不影响。
// 引用计数归零后删除条目，map 不会随活动数量无限增长。
type Locker struct {
	mu    sync.Mutex
	locks map[uint]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *Locker {
	return &Locker{locks: make(map[uint]*entry)}
}

// Lock 获取 key 对应的锁，返回的函数用于释放。
func (l *Locker) Lock(key uint) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
