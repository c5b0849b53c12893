package chunker

import "github.com/meshchat/fileshare/pkg/protocol"

// Pool runs Describe off the caller's critical path. Hashing a large file is
// CPU-bound, so upload paths submit work here and receive the finished
// metadata on a result channel instead of blocking interactive work.

type job struct {
	name     string
	mimeType string
	data     []byte
	result   chan Result
}

// Result carries the outcome of one background hashing job.
type Result struct {
	Metadata *protocol.FileMetadata
	Data     []byte
	Err      error
}

// Pool is a bounded worker pool for background piece hashing.
type Pool struct {
	chunker *Chunker
	jobs    chan job
}

// NewPool starts workers goroutines hashing with the given chunker.
func NewPool(c *Chunker, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		chunker: c,
		jobs:    make(chan job, workers*2),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for j := range p.jobs {
		meta, err := p.chunker.Describe(j.name, j.mimeType, j.data)
		j.result <- Result{Metadata: meta, Data: j.data, Err: err}
	}
}

// Submit queues data for hashing. The returned channel receives exactly one
// Result and is never closed.
func (p *Pool) Submit(name, mimeType string, data []byte) <-chan Result {
	result := make(chan Result, 1)
	p.jobs <- job{name: name, mimeType: mimeType, data: data, result: result}
	return result
}

// Close stops the workers once queued jobs drain. Submit must not be called
// after Close.
func (p *Pool) Close() {
	close(p.jobs)
}
