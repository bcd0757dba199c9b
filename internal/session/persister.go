package session

import (
	"context"
	"errors"
	"sync"
)

var errPersisterClosed = errors.New("session: persister closed")

type writeRequest struct {
	doc      []byte
	snapshot ExamSession
	done     chan error
}

// persister is the single writer of one session's ledger file. Requests
// are written in enqueue order; after each write the snapshot is
// published to observers, so observers never see state ahead of disk.
type persister struct {
	save    func([]byte) error
	publish func(ExamSession)

	queue chan writeRequest
	wg    sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newPersister(save func([]byte) error, publish func(ExamSession)) *persister {
	p := &persister{
		save:    save,
		publish: publish,
		queue:   make(chan writeRequest, 32),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *persister) run() {
	defer p.wg.Done()
	for req := range p.queue {
		err := p.save(req.doc)
		if p.publish != nil {
			p.publish(req.snapshot)
		}
		req.done <- err
	}
}

// enqueue must be called while the caller holds the lock that orders
// mutations. The returned channel yields the write result.
func (p *persister) enqueue(doc []byte, snapshot ExamSession) <-chan error {
	done := make(chan error, 1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		done <- errPersisterClosed
		return done
	}
	p.queue <- writeRequest{doc: doc, snapshot: snapshot, done: done}
	return done
}

// wait blocks until the write finishes or ctx is done. The write itself
// is never cancelled.
func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains pending writes and stops the writer.
func (p *persister) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}
