package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ledger is the durable, append-only, totally ordered event log. One JSON
// object per line; every append is flushed and fsynced before it returns,
// so a process kill can never leave the reader believing an event was
// committed when it was not.
//
// Appends are serialized behind mu — the single writer in this process.
// Reads (LoadAll/IterEvents) open their own file handle and scan up to the
// size observed at open time, which is always a committed prefix of
// whatever the writer has flushed.
type Ledger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastSeq  uint64
}

// Open creates or opens the ledger file at path, recovering the last
// sequence number by scanning existing records. A corrupt trailing record
// is reported via the returned error's wrapped CorruptTailError but the
// file is left untouched — callers decide whether to continue (new
// appends start after the last *valid* record) or invoke
// TruncateCorruptTail explicitly.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}

	l := &Ledger{path: path, file: f}

	events, tailErr := l.scan()
	if len(events) > 0 {
		l.lastSeq = events[len(events)-1].SequenceNum
	}
	if tailErr != nil {
		log.Warn().Err(tailErr).Str("path", path).Msg("ledger tail record is corrupt; leaving on disk")
		return l, tailErr
	}
	return l, nil
}

// scan reads every line in the file, in order, decoding each as an Event.
// The last line is allowed to be incomplete (process killed mid-write); if
// it fails to decode, scan returns everything before it plus a
// CorruptTailError describing the offset. An undecodable line followed by
// further data is reported as a plain error, not as a corrupt tail.
func (l *Ledger) scan() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, &IOError{Op: "scan-open", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: "scan-stat", Err: err}
	}

	var events []Event
	var offset int64
	reader := bufio.NewReader(io.LimitReader(f, info.Size()))
	for {
		lineStart := offset
		line, err := reader.ReadBytes('\n')
		offset += int64(len(line))
		if len(line) > 0 {
			trimmed := line
			if trimmed[len(trimmed)-1] == '\n' {
				trimmed = trimmed[:len(trimmed)-1]
			}
			if len(trimmed) > 0 {
				var ev Event
				if decErr := json.Unmarshal(trimmed, &ev); decErr != nil {
					if _, peekErr := reader.Peek(1); err == nil && peekErr == nil {
						return events, fmt.Errorf("ledger: corrupt record at offset %d: %w", lineStart, decErr)
					}
					return events, &CorruptTailError{Offset: lineStart, Err: decErr}
				}
				events = append(events, ev)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, &IOError{Op: "scan-read", Err: err}
		}
	}
	return events, nil
}

// Append assigns the next sequence number, stamps a fresh event_id and a
// UTC timestamp, writes and fsyncs the record, and only then returns it.
// The caller (normally the event bus) must not consider the event
// published until this returns without error.
func (l *Ledger) Append(eventType EventType, payload, metadata map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
		SequenceNum: l.lastSeq + 1,
		Payload:     payload,
		Metadata:    metadata,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Event{}, &IOError{Op: "append-write", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return Event{}, &IOError{Op: "append-fsync", Err: err}
	}

	l.lastSeq = ev.SequenceNum
	return ev, nil
}

// LoadAll returns every event in sequence order. Used at startup to rebuild
// TradingState by replay.
func (l *Ledger) LoadAll() ([]Event, error) {
	events, err := l.scan()
	if err != nil {
		var corrupt *CorruptTailError
		if asCorrupt(err, &corrupt) {
			return events, err
		}
		return nil, err
	}
	return events, nil
}

func asCorrupt(err error, target **CorruptTailError) bool {
	c, ok := err.(*CorruptTailError)
	if ok {
		*target = c
	}
	return ok
}

// IterEvents passes events to fn in sequence order, stopping early if fn
// returns false. It loads every event through LoadAll before the first
// call to fn, so the whole ledger is held in memory; it does not stream
// from disk.
func (l *Ledger) IterEvents(fn func(Event) bool) error {
	events, err := l.LoadAll()
	for _, ev := range events {
		if !fn(ev) {
			return err
		}
	}
	return err
}

// LastSequence returns the sequence number of the most recently committed
// event, or 0 if the ledger is empty.
func (l *Ledger) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// TruncateCorruptTail drops a damaged trailing record from disk. This must
// only ever be invoked by an explicit operator command — never
// automatically — per spec §4.1.
func (l *Ledger) TruncateCorruptTail() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.scan()
	var corrupt *CorruptTailError
	if !asCorrupt(err, &corrupt) {
		if err != nil {
			return err
		}
		return fmt.Errorf("ledger: no corrupt tail to truncate")
	}

	if truncErr := l.file.Truncate(corrupt.Offset); truncErr != nil {
		return &IOError{Op: "truncate", Err: truncErr}
	}
	if _, seekErr := l.file.Seek(0, io.SeekEnd); seekErr != nil {
		return &IOError{Op: "seek", Err: seekErr}
	}
	log.Warn().Int64("offset", corrupt.Offset).Str("path", l.path).Msg("truncated corrupt trailing ledger record")
	return nil
}

// Close releases the underlying file handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
