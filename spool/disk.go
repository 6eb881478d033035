package spool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/studiolambda/greenspool/contract"
)

// diskRow is the on-disk shape of one spooled message. seq orders the
// FIFO: AddMessage assigns an increasing tailSeq, AddID (retry /
// shutdown re-enqueue) assigns a decreasing headSeq, so a priority
// re-enqueue always sorts before ordinary arrivals without needing a
// linked-list rewrite on disk.
type diskRow struct {
	ID      uint64 `db:"id"`
	Seq     int64  `db:"seq"`
	Topic   string `db:"topic"`
	Payload []byte `db:"payload"`
	QoS     byte   `db:"qos"`
	Retain  bool   `db:"retain"`
	Retried uint32 `db:"retried"`
}

// Disk is a durable FIFO spool backed by any database/sql driver sqlx
// can address, addressed purely by driver name and DSN so this
// package never imports a concrete driver — the same division of
// responsibility as the teacher's framework/database.NewSQL(driver,
// dsn string): driver selection stays with the caller.
type Disk struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	db *sqlx.DB

	nextID  uint64
	tailSeq int64
	headSeq int64

	usedBytes int64
	config    contract.SpoolConfig
}

// NewDisk opens (or creates) the spool table in the database addressed
// by driver/dsn, and rebuilds its in-memory accounting from whatever
// rows already exist so a restart resumes the FIFO where it left off.
func NewDisk(ctx context.Context, driver, dsn string, config contract.SpoolConfig) (*Disk, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("spool: connect %s: %w", driver, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS mqtt_spool_messages (
		id INTEGER PRIMARY KEY,
		seq INTEGER NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		qos INTEGER NOT NULL,
		retain INTEGER NOT NULL,
		retried INTEGER NOT NULL DEFAULT 0
	)`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: create schema: %w", err)
	}

	d := &Disk{db: db, config: config}
	d.cond = sync.NewCond(&d.mu)

	if err := d.restore(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return d, nil
}

func (d *Disk) restore(ctx context.Context) error {
	var rows []diskRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT id, seq, topic, payload, qos, retain, retried FROM mqtt_spool_messages`); err != nil {
		return fmt.Errorf("spool: restore: %w", err)
	}

	for _, r := range rows {
		if r.ID > d.nextID {
			d.nextID = r.ID
		}
		if r.Seq > d.tailSeq {
			d.tailSeq = r.Seq
		}
		if r.Seq < d.headSeq {
			d.headSeq = r.Seq
		}

		d.usedBytes += int64(len(r.Payload))
	}

	return nil
}

// AddMessage enqueues req at the tail, failing with ErrSpoolFull if
// doing so would exceed SpoolSizeInBytes.
func (d *Disk) AddMessage(ctx context.Context, req contract.PublishRequest) (contract.SpoolMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return contract.SpoolMessage{}, contract.ErrClosed
	}

	size := int64(len(req.Payload))
	if d.config.SpoolSizeInBytes > 0 && d.usedBytes+size > d.config.SpoolSizeInBytes {
		return contract.SpoolMessage{}, fmt.Errorf("%w: %d bytes would exceed cap of %d", contract.ErrSpoolFull, d.usedBytes+size, d.config.SpoolSizeInBytes)
	}

	d.nextID++
	d.tailSeq++
	id := d.nextID

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO mqtt_spool_messages (id, seq, topic, payload, qos, retain, retried) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, d.tailSeq, req.Topic, req.Payload, req.QoS, req.Retain)
	if err != nil {
		d.nextID--
		d.tailSeq--
		return contract.SpoolMessage{}, fmt.Errorf("spool: insert: %w", err)
	}

	d.usedBytes += size
	d.cond.Signal()

	return contract.SpoolMessage{ID: id, Request: req}, nil
}

// PopID blocks until an id is available, ctx is cancelled, or the
// spool is closed.
func (d *Disk) PopID(ctx context.Context) (uint64, error) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)

	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stopWatch:
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if d.closed {
			return 0, fmt.Errorf("%w: spool closed", contract.ErrSpoolInterrupted)
		}

		var id uint64
		err := d.db.GetContext(ctx, &id, `SELECT id FROM mqtt_spool_messages ORDER BY seq ASC LIMIT 1`)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("spool: pop: %w", err)
		}

		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w", contract.ErrSpoolInterrupted, ctx.Err())
		}

		d.cond.Wait()
	}
}

// AddID re-enqueues id at the head of the queue and bumps its retried
// counter, the same retry/shutdown-return contract as Memory.AddID.
func (d *Disk) AddID(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.headSeq--

	_, _ = d.db.Exec(`UPDATE mqtt_spool_messages SET seq = ?, retried = retried + 1 WHERE id = ?`, d.headSeq, id)
	d.cond.Signal()
}

// GetMessageByID looks up a message without removing it.
func (d *Disk) GetMessageByID(id uint64) (contract.SpoolMessage, error) {
	var r diskRow
	if err := d.db.Get(&r, `SELECT id, seq, topic, payload, qos, retain, retried FROM mqtt_spool_messages WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return contract.SpoolMessage{}, fmt.Errorf("%w: id %d", contract.ErrMessageNotFound, id)
		}

		return contract.SpoolMessage{}, fmt.Errorf("spool: get: %w", err)
	}

	return contract.SpoolMessage{
		ID: r.ID,
		Request: contract.PublishRequest{
			Topic:   r.Topic,
			Payload: r.Payload,
			QoS:     r.QoS,
			Retain:  r.Retain,
		},
		Retried: r.Retried,
	}, nil
}

// RemoveMessageByID permanently removes a message.
func (d *Disk) RemoveMessageByID(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var size int64
	_ = d.db.Get(&size, `SELECT LENGTH(payload) FROM mqtt_spool_messages WHERE id = ?`, id)

	if _, err := d.db.Exec(`DELETE FROM mqtt_spool_messages WHERE id = ?`, id); err == nil {
		d.usedBytes -= size
	}
}

// PopAllQos0 discards every currently spooled QoS-0 message.
func (d *Disk) PopAllQos0() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sizes []int64
	_ = d.db.Select(&sizes, `SELECT LENGTH(payload) FROM mqtt_spool_messages WHERE qos = 0`)

	if _, err := d.db.Exec(`DELETE FROM mqtt_spool_messages WHERE qos = 0`); err == nil {
		for _, s := range sizes {
			d.usedBytes -= s
		}
	}
}

// GetSpoolConfig returns the spool's static configuration.
func (d *Disk) GetSpoolConfig() contract.SpoolConfig {
	return d.config
}

// Len reports how many messages are currently spooled. Not part of
// contract.Spool; used by bridge.Bridge.Stats when it is available.
func (d *Disk) Len() int {
	var n int
	if err := d.db.Get(&n, `SELECT COUNT(*) FROM mqtt_spool_messages`); err != nil {
		return 0
	}

	return n
}

// Close marks the spool closed, unblocking any pending PopID, and
// closes the underlying database handle.
func (d *Disk) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	return d.db.Close()
}
