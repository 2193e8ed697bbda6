package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var ErrClosed = errors.New("stream closed")

// Stream yields an endless sequence of minibatches.
type Stream interface {
	Next(ctx context.Context) (*mat.Dense, error)
	Close() error
}

// ShuffleStream cycles over the rows of a matrix in a fresh random order on
// every pass. Batches span pass boundaries, so every batch is full.
type ShuffleStream struct {
	mu     sync.Mutex
	data   *mat.Dense
	batch  int
	rng    *rand.Rand
	order  []int
	pos    int
	closed bool
}

func NewShuffleStream(data *mat.Dense, batchSize int, seed int64) (*ShuffleStream, error) {
	if data == nil {
		return nil, ErrEmpty
	}
	r, _ := data.Dims()
	if r == 0 {
		return nil, ErrEmpty
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", batchSize)
	}
	s := &ShuffleStream{
		data:  data,
		batch: batchSize,
		rng:   rand.New(rand.NewSource(seed)),
	}
	s.reshuffle()
	return s, nil
}

func (s *ShuffleStream) reshuffle() {
	r, _ := s.data.Dims()
	s.order = s.rng.Perm(r)
	s.pos = 0
}

func (s *ShuffleStream) Next(ctx context.Context) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	_, c := s.data.Dims()
	out := mat.NewDense(s.batch, c, nil)
	for i := 0; i < s.batch; i++ {
		if s.pos == len(s.order) {
			s.reshuffle()
		}
		out.SetRow(i, s.data.RawRowView(s.order[s.pos]))
		s.pos++
	}
	return out, nil
}

func (s *ShuffleStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type prefetched struct {
	batch *mat.Dense
	err   error
}

// PrefetchStream reads ahead from an inner stream on a worker goroutine into
// a bounded buffer.
type PrefetchStream struct {
	inner  Stream
	out    chan prefetched
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Prefetch starts a worker that keeps up to depth batches ready. The worker
// stops on the first inner error, when ctx ends, or on Close.
func Prefetch(ctx context.Context, inner Stream, depth int) *PrefetchStream {
	if depth <= 0 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &PrefetchStream{
		inner:  inner,
		out:    make(chan prefetched, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer close(p.out)
		for {
			batch, err := inner.Next(ctx)
			select {
			case p.out <- prefetched{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

func (p *PrefetchStream) Next(ctx context.Context) (*mat.Dense, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-p.out:
		if !ok {
			return nil, ErrClosed
		}
		return item.batch, item.err
	}
}

// Close stops the worker and closes the inner stream.
func (p *PrefetchStream) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		<-p.done
		err = p.inner.Close()
	})
	return err
}
