package storage

import (
	"sync"
	"time"

	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// Writer is the batched, off-loop storage task. It owns every runtime
// write to the Store: the scheduler never touches SQLite on the hot path,
// it posts messages here and moves on. Tape writes are best-effort and are
// dropped (with a counter) when their queue saturates; order, fill,
// position, and PnL writes are acknowledged: they retry indefinitely with
// backoff and block shutdown until drained.
type Writer struct {
	store *Store
	log   *logging.Logger

	tape     chan types.TapeEvent
	critical chan criticalOp
	done     chan struct{}

	mu          sync.Mutex
	tapeDropped uint64
}

// criticalOp is one acknowledged write. A flush barrier carries a nil do
// and a non-nil flush channel, closed once everything posted before it
// (both queues) has been written.
type criticalOp struct {
	name  string
	do    func(*Store) error
	flush chan struct{}
}

const criticalQueueSize = 1024

// NewWriter creates a Writer over store. tapeQueue bounds the best-effort
// tape queue (10000 if non-positive). Start it with go w.Run() and stop it
// with Close.
func NewWriter(store *Store, tapeQueue int, log *logging.Logger) *Writer {
	if tapeQueue <= 0 {
		tapeQueue = 10000
	}
	return &Writer{
		store:    store,
		log:      log,
		tape:     make(chan types.TapeEvent, tapeQueue),
		critical: make(chan criticalOp, criticalQueueSize),
		done:     make(chan struct{}),
	}
}

// Run drains both queues until Close. Tape events are batched into one
// transaction per wake-up; critical ops retry with exponential backoff
// until the write sticks.
func (w *Writer) Run() {
	defer close(w.done)
	tape, critical := w.tape, w.critical
	for tape != nil || critical != nil {
		select {
		case op, ok := <-critical:
			if !ok {
				critical = nil
				continue
			}
			if op.flush != nil {
				w.drainTape()
				close(op.flush)
				continue
			}
			w.applyCritical(op)
		case ev, ok := <-tape:
			if !ok {
				tape = nil
				continue
			}
			w.writeTapeBatch(ev)
		}
	}
	w.drainTape()
}

// Close closes both queues and blocks until every pending write has been
// applied. Callers must not post after Close.
func (w *Writer) Close() {
	close(w.tape)
	close(w.critical)
	<-w.done
}

// Flush blocks until everything posted before it has been written. Only
// tests call it.
func (w *Writer) Flush() {
	ch := make(chan struct{})
	w.critical <- criticalOp{flush: ch}
	<-ch
}

// AppendTape posts a best-effort tape write. When the tape queue is full
// the event is dropped and counted; the tape is a log, not a ledger, and
// the backtest reader tolerates gaps.
func (w *Writer) AppendTape(ev types.TapeEvent) {
	select {
	case w.tape <- ev:
	default:
		w.mu.Lock()
		w.tapeDropped++
		w.mu.Unlock()
	}
}

// TapeDropped returns how many tape writes were shed on queue saturation.
func (w *Writer) TapeDropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tapeDropped
}

// AppendOrder posts an acknowledged order write. Blocks if the critical
// queue is full; queueing a storage write is an allowed suspension point.
func (w *Writer) AppendOrder(o types.Order) {
	w.critical <- criticalOp{name: "order", do: func(s *Store) error { return s.AppendOrder(o) }}
}

// AppendFill posts an acknowledged fill write.
func (w *Writer) AppendFill(f types.Fill) {
	w.critical <- criticalOp{name: "fill", do: func(s *Store) error { return s.AppendFill(f) }}
}

// UpsertPosition posts an acknowledged position upsert.
func (w *Writer) UpsertPosition(p types.Position) {
	w.critical <- criticalOp{name: "position", do: func(s *Store) error { return s.UpsertPosition(p) }}
}

// AppendPnLSnapshot posts an acknowledged PnL snapshot write.
func (w *Writer) AppendPnLSnapshot(p types.PnLSnapshot) {
	w.critical <- criticalOp{name: "pnl_snapshot", do: func(s *Store) error { return s.AppendPnLSnapshot(p) }}
}

// UpsertMarket posts an acknowledged market-metadata cache write.
func (w *Writer) UpsertMarket(m types.Market) {
	w.critical <- criticalOp{name: "market", do: func(s *Store) error { return s.UpsertMarket(m) }}
}

// applyCritical retries op until it succeeds, backing off 1s doubling to
// 30s. Order/fill/position writes are never dropped.
func (w *Writer) applyCritical(op criticalOp) {
	backoff := time.Second
	for {
		err := op.do(w.store)
		if err == nil {
			return
		}
		w.log.Error("storage_write_failed", "kind", op.name, "error", err.Error(), "retry_in_ms", backoff.Milliseconds())
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

const tapeBatchMax = 256

// writeTapeBatch greedily drains the tape queue behind first and writes
// the batch in one transaction. Failures are logged and the batch is
// abandoned: tape writes are best-effort.
func (w *Writer) writeTapeBatch(first types.TapeEvent) {
	batch := append(make([]types.TapeEvent, 0, tapeBatchMax), first)
drain:
	for len(batch) < tapeBatchMax {
		select {
		case ev, ok := <-w.tape:
			if !ok {
				break drain
			}
			batch = append(batch, ev)
		default:
			break drain
		}
	}
	if err := w.store.AppendTapeBatch(batch); err != nil {
		w.log.Error("tape_batch_write_failed", "events", len(batch), "error", err.Error())
	}
}

// drainTape empties whatever remains of the tape queue, used at flush
// barriers and shutdown so the tape is as complete as the queue allows.
func (w *Writer) drainTape() {
	for {
		select {
		case ev, ok := <-w.tape:
			if !ok {
				return
			}
			w.writeTapeBatch(ev)
		default:
			return
		}
	}
}
