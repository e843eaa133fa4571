package transcript

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/parser"
)

const (
	recorderBuffer = 1024
	maxBatch       = 64
)

type chunk struct {
	dir  parser.Direction
	at   time.Time
	data []byte
}

// Recorder writes one connection's wire trace. Its Trace method plugs into
// parser.Options.Trace; writes happen on a background goroutine so the
// parser worker never waits on the database.
type Recorder struct {
	db        *DB
	logger    *logging.Logger
	sessionID int64

	intakeMu sync.RWMutex
	closed   bool
	chunks   chan chunk
	done     chan struct{}
	dropped  atomic.Int64
	written  atomic.Int64
}

// NewRecorder opens a transcript session for a connection to remoteAddr.
func NewRecorder(ctx context.Context, db *DB, remoteAddr string, logger *logging.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logging.Default()
	}

	res, err := db.ExecContext(ctx, `INSERT INTO sessions (remote_addr) VALUES (?)`, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		db:        db,
		logger:    logger.Storage().WithFields("transcript_session", id),
		sessionID: id,
		chunks:    make(chan chunk, recorderBuffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// SessionID returns the database id of this transcript.
func (r *Recorder) SessionID() int64 {
	return r.sessionID
}

// Trace records data without blocking. Chunks are dropped when the writer
// falls behind.
func (r *Recorder) Trace(dir parser.Direction, data []byte) {
	r.intakeMu.RLock()
	defer r.intakeMu.RUnlock()
	if r.closed {
		return
	}

	c := chunk{dir: dir, at: time.Now().UTC(), data: append([]byte(nil), data...)}
	select {
	case r.chunks <- c:
	default:
		if n := r.dropped.Add(1); n%100 == 1 {
			r.logger.Warn("transcript writer behind, dropping chunks", "dropped", n)
		}
	}
}

// Dropped reports how many chunks were lost.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written reports how many chunks reached the database.
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close flushes pending chunks and marks the session ended.
func (r *Recorder) Close() error {
	r.intakeMu.Lock()
	if r.closed {
		r.intakeMu.Unlock()
		return nil
	}
	r.closed = true
	close(r.chunks)
	r.intakeMu.Unlock()
	<-r.done

	_, err := r.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), r.sessionID)
	return err
}

func (r *Recorder) run() {
	defer close(r.done)

	var seq int64
	batch := make([]chunk, 0, maxBatch)
	for c := range r.chunks {
		batch = append(batch[:0], c)
	fill:
		for len(batch) < maxBatch {
			select {
			case c, ok := <-r.chunks:
				if !ok {
					break fill
				}
				batch = append(batch, c)
			default:
				break fill
			}
		}

		if err := r.insert(seq, batch); err != nil {
			r.logger.WithError(err).Error("failed to write transcript batch", "chunks", len(batch))
			r.dropped.Add(int64(len(batch)))
		} else {
			r.written.Add(int64(len(batch)))
		}
		seq += int64(len(batch))
	}
}

func (r *Recorder) insert(seq int64, batch []chunk) error {
	ctx := context.Background()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO wire_chunks (session_id, seq, direction, recorded_at, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, c := range batch {
		if _, err := stmt.ExecContext(ctx, r.sessionID, seq+int64(i), c.dir.String(), c.at, c.data); err != nil {
			return err
		}
	}
	return tx.Commit()
}
