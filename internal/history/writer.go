package history

import (
	"context"
	"log"
	"sync"
	"time"

	"MealLens/internal/extract"
)

// Writer moves history inserts off the request path.
type Writer struct {
	store  *Store
	queue  chan Entry
	wg     sync.WaitGroup
	stopCh chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewWriter starts a writer with the given queue size.
func NewWriter(store *Store, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 32
	}
	w := &Writer{
		store:  store,
		queue:  make(chan Entry, queueSize),
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record queues one analysis. When the queue is full the entry is written
// synchronously so nothing is lost.
func (w *Writer) Record(image []byte, prompt string, res extract.Result, elapsed time.Duration) {
	if w == nil || w.store == nil {
		return
	}
	e, err := NewEntry(image, prompt, res, elapsed)
	if err != nil {
		log.Printf("history: %v", err)
		return
	}
	e.CreatedAt = time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		log.Printf("history: queue full, writing synchronously")
		w.write(e)
	}
}

// Close flushes pending entries and stops the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.queue:
			w.write(e)
		case <-w.stopCh:
			for {
				select {
				case e := <-w.queue:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.store.Append(ctx, e); err != nil {
		log.Printf("history: %v", err)
	}
}
