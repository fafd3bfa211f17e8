// Package snowflake provides a time-ordered 64-bit id allocator.
//
// An id packs three fields: milliseconds since a configured epoch, the
// machine (shard) id of the allocator, and a per-millisecond sequence.
package snowflake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metrics"
)

// DefaultEpoch is 2021-01-01T00:00:00Z in unix milliseconds.
const DefaultEpoch int64 = 1609459200000

var (
	ErrMachineIDTooLarge  = errors.New("machine id out of range")
	ErrEpochTooLarge      = errors.New("epoch start does not fit the timestamp field")
	ErrInvalidLayout      = errors.New("invalid bit layout")
	ErrTimestampExhausted = errors.New("timestamp field exhausted, allocator must be re-epoched")
	ErrSequenceExhausted  = errors.New("sequence exhausted for current millisecond")
	ErrClockBeforeEpoch   = errors.New("clock is before allocator epoch")
)

// Layout holds the bit widths of the three id fields.
type Layout struct {
	TimestampBits uint
	MachineBits   uint
	SequenceBits  uint
}

// DefaultLayout is 44 bits of timestamp, 8 bits of machine id, 12 bits of
// sequence. Ids stay positive, so only 43 timestamp bits are usable.
var DefaultLayout = Layout{TimestampBits: 44, MachineBits: 8, SequenceBits: 12}

// Validate checks that every field is non-empty and the total fits in 64 bits.
func (l Layout) Validate() error {
	if l.TimestampBits == 0 || l.MachineBits == 0 || l.SequenceBits == 0 {
		return fmt.Errorf("%w: zero-width field", ErrInvalidLayout)
	}
	if total := l.TimestampBits + l.MachineBits + l.SequenceBits; total > 64 {
		return fmt.Errorf("%w: %d bits exceeds 64", ErrInvalidLayout, total)
	}
	if l.MachineBits+l.SequenceBits > 62 {
		return fmt.Errorf("%w: no room left for the timestamp", ErrInvalidLayout)
	}
	return nil
}

// MaxTimestamp is the largest timestamp an id can carry. In a 64-bit layout
// the sign bit is never set, so the timestamp field loses its top bit.
func (l Layout) MaxTimestamp() int64 {
	bits := l.TimestampBits
	if avail := 63 - l.MachineBits - l.SequenceBits; bits > avail {
		bits = avail
	}
	return (int64(1) << bits) - 1
}

func (l Layout) MaxMachineID() int64 { return (int64(1) << l.MachineBits) - 1 }
func (l Layout) MaxSequence() int64  { return (int64(1) << l.SequenceBits) - 1 }

// Compose packs the three fields into an id. Inputs are masked to their widths.
func (l Layout) Compose(timestamp, machineID, sequence int64) int64 {
	return (timestamp&l.MaxTimestamp())<<(l.MachineBits+l.SequenceBits) |
		(machineID&l.MaxMachineID())<<l.SequenceBits |
		sequence&l.MaxSequence()
}

// Decompose splits an id into (timestamp, machine id, sequence).
func (l Layout) Decompose(id int64) (timestamp, machineID, sequence int64) {
	timestamp = (id >> (l.MachineBits + l.SequenceBits)) & l.MaxTimestamp()
	machineID = (id >> l.SequenceBits) & l.MaxMachineID()
	sequence = id & l.MaxSequence()
	return
}

// Decompose splits an id produced with DefaultLayout.
func Decompose(id int64) (timestamp, machineID, sequence int64) {
	return DefaultLayout.Decompose(id)
}

// state is the only mutable part of an Allocator.
type state struct {
	lastBucket int64
	sequence   int64
}

// Allocator hands out unique ids for one machine id. Safe for concurrent use.
type Allocator struct {
	layout    Layout
	machineID int64
	epoch     int64

	mu    sync.Mutex
	state state

	// nowMillis and sleep are replaced in tests.
	nowMillis func() int64
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates an allocator with DefaultLayout.
func New(machineID, epoch int64) (*Allocator, error) {
	return NewWithLayout(DefaultLayout, machineID, epoch)
}

// NewWithLayout creates an allocator with a custom bit layout.
func NewWithLayout(layout Layout, machineID, epoch int64) (*Allocator, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if machineID < 0 || machineID > layout.MaxMachineID() {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrMachineIDTooLarge, machineID, layout.MaxMachineID())
	}
	if epoch < 0 || epoch > layout.MaxTimestamp() {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrEpochTooLarge, epoch, layout.MaxTimestamp())
	}

	return &Allocator{
		layout:    layout,
		machineID: machineID,
		epoch:     epoch,
		state:     state{lastBucket: -1, sequence: 0},
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		sleep:     sleepContext,
	}, nil
}

// Decompose splits an id using this allocator's layout.
func (a *Allocator) Decompose(id int64) (timestamp, machineID, sequence int64) {
	return a.layout.Decompose(id)
}

// Time returns the wall-clock time encoded in an id from this allocator.
func (a *Allocator) Time(id int64) time.Time {
	ts, _, _ := a.layout.Decompose(id)
	return time.UnixMilli(a.epoch + ts).UTC()
}

// Allocate returns the next id, or ErrSequenceExhausted when the current
// millisecond has no sequence numbers left.
func (a *Allocator) Allocate() (int64, error) {
	now := a.nowMillis() - a.epoch
	if now < 0 {
		return 0, ErrClockBeforeEpoch
	}
	if now > a.layout.MaxTimestamp() {
		metrics.RecordIDAllocation("timestamp_exhausted")
		return 0, ErrTimestampExhausted
	}

	a.mu.Lock()
	// A clock that steps backwards keeps issuing from the last bucket.
	if now < a.state.lastBucket {
		now = a.state.lastBucket
	}
	var seq int64
	if now == a.state.lastBucket {
		seq = a.state.sequence + 1
		if seq > a.layout.MaxSequence() {
			a.mu.Unlock()
			metrics.RecordIDAllocation("sequence_exhausted")
			return 0, ErrSequenceExhausted
		}
	} else {
		a.state.lastBucket = now
		seq = 1
	}
	a.state.sequence = seq
	a.mu.Unlock()

	metrics.RecordIDAllocation("ok")
	return a.layout.Compose(now, a.machineID, seq), nil
}

// AllocateBlocking calls Allocate and, if the sequence is exhausted, waits
// about one millisecond and tries exactly once more.
func (a *Allocator) AllocateBlocking(ctx context.Context) (int64, error) {
	id, err := a.Allocate()
	if !errors.Is(err, ErrSequenceExhausted) {
		return id, err
	}

	logging.Debug("snowflake sequence exhausted, waiting for next millisecond",
		zap.Int64("machine_id", a.machineID))
	if err := a.sleep(ctx, time.Millisecond); err != nil {
		return 0, err
	}
	return a.Allocate()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
