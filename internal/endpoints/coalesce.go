package endpoints

import "sync"

// inflightCall represents an in-progress creation shared by concurrent callers.
type inflightCall struct {
	done chan struct{}
	val  Endpoint
	err  error
}

// coalescer ensures only one in-flight creation per normalized URL, so
// concurrent Create calls for the same URL share one cache write instead of
// racing. Cleanup runs on both the success and failure path.
type coalescer struct {
	mu       sync.Mutex
	inflight map[string]*inflightCall
}

func newCoalescer() *coalescer {
	return &coalescer{inflight: make(map[string]*inflightCall)}
}

func (c *coalescer) do(key string, fn func() (Endpoint, error)) (Endpoint, error) {
	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.val, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	call.val, call.err = fn()
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return call.val, call.err
}
