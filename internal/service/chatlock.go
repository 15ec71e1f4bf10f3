package service

import (
	"context"
	"sync"
)

// chatLocks сериализует изменения заказов одного чата.
type chatLocks struct {
	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[int64]*chatLock)}
}

// lock ждёт блокировку чата или отмену ctx. Возвращённую функцию нужно вызвать для освобождения.
func (l *chatLocks) lock(ctx context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{sem: make(chan struct{}, 1)}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, cl)
		return nil, ctx.Err()
	}

	return func() {
		<-cl.sem
		l.release(chatID, cl)
	}, nil
}

func (l *chatLocks) release(chatID int64, cl *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, chatID)
	}
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
