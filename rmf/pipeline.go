package rmf

import (
	"sync"

	"github.com/mrjoshuak/go-rmf/compression"
)

// maxThreads bounds the NUM_THREADS creation option.
const maxThreads = 1024

// jobState tracks a tile through the write pipeline.
type jobState int

const (
	jobQueued jobState = iota
	jobCompressing
	jobReadyToWrite
	jobWritten
	jobFailed
)

// tileJob is one clipped tile on its way to the file.
type tileJob struct {
	index         int
	width, height int
	raw           []byte

	data   []byte  // what gets stored: raw or packed
	packed *[]byte // pooled compression buffer backing data
	state  jobState
	err    error
}

// tileStore receives finished tiles. Calls are never concurrent.
type tileStore interface {
	storeTile(index int, data []byte) error
}

// packedBufPool recycles compression output buffers between jobs.
var packedBufPool = sync.Pool{
	New: func() any {
		return &[]byte{}
	},
}

// pipeline compresses tiles on a pool of workers and writes them through
// a single writer goroutine, so the file and the tile index only ever see
// one mutation at a time. With no workers everything runs on the caller.
type pipeline struct {
	codec compression.Codec
	store tileStore

	jobs  chan *tileJob // queued, bounded for backpressure
	ready chan *tileJob // compressed, waiting for the writer

	workers sync.WaitGroup
	writer  sync.WaitGroup
	pending sync.WaitGroup

	mu     sync.Mutex
	err    error // first failure since the last flush
	closed bool
}

func newPipeline(workers int, codec compression.Codec, store tileStore) *pipeline {
	p := &pipeline{codec: codec, store: store}
	workers = min(max(workers, 0), maxThreads)
	if workers == 0 {
		return p
	}
	p.jobs = make(chan *tileJob, workers)
	p.ready = make(chan *tileJob, workers)
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	p.writer.Add(1)
	go p.write()
	return p
}

// submit queues a job, blocking while the queue is full. A failure of an
// earlier job is returned instead of queueing.
func (p *pipeline) submit(j *tileJob) error {
	if err := p.failure(); err != nil {
		return err
	}
	j.state = jobQueued
	if p.jobs == nil {
		p.compress(j)
		return p.finish(j)
	}
	p.pending.Add(1)
	p.jobs <- j
	return nil
}

func (p *pipeline) work() {
	defer p.workers.Done()
	for j := range p.jobs {
		p.compress(j)
		p.ready <- j
	}
}

func (p *pipeline) write() {
	defer p.writer.Done()
	for j := range p.ready {
		if err := p.finish(j); err != nil {
			p.fail(err)
		}
		p.pending.Done()
	}
}

// compress fills j.data, keeping the packed form only when it saves at
// least a fifth of the raw size.
func (p *pipeline) compress(j *tileJob) {
	j.state = jobCompressing
	j.data = j.raw
	limit := len(j.raw) * 8 / 10
	if p.codec != nil && limit > 0 {
		buf := packedBufPool.Get().(*[]byte)
		if cap(*buf) < limit {
			*buf = make([]byte, limit)
		}
		*buf = (*buf)[:limit]
		n, err := p.codec.Compress(*buf, j.raw, j.width, j.height)
		if err == nil && n > 0 && n <= limit {
			j.data = (*buf)[:n]
			j.packed = buf
		} else {
			packedBufPool.Put(buf)
		}
	}
	j.state = jobReadyToWrite
}

// finish stores a compressed job and releases its buffers.
func (p *pipeline) finish(j *tileJob) error {
	if err := p.store.storeTile(j.index, j.data); err != nil {
		j.err = err
		j.state = jobFailed
	} else {
		j.state = jobWritten
	}
	if j.packed != nil {
		packedBufPool.Put(j.packed)
		j.packed = nil
	}
	j.data = nil
	j.raw = nil
	return j.err
}

func (p *pipeline) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *pipeline) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// wait blocks until every queued job has been written.
func (p *pipeline) wait() {
	p.pending.Wait()
}

// flush waits for queued jobs and returns, then clears, the first
// failure since the previous flush.
func (p *pipeline) flush() error {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

// close drains the pipeline and stops its goroutines.
func (p *pipeline) close() error {
	err := p.flush()
	p.mu.Lock()
	closed := p.closed
	p.closed = true
	p.mu.Unlock()
	if p.jobs != nil && !closed {
		close(p.jobs)
		p.workers.Wait()
		close(p.ready)
		p.writer.Wait()
	}
	return err
}
