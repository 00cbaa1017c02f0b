// Package journal provides the daemon's tamper-evident on-disk event
// journal. Entries are appended as single JSON lines to a per-day file
// (events-YYYY-MM-DD.log) inside the journal directory; rotation happens
// automatically at the first append of a new day, which bounds individual
// file size and lets retention tooling delete whole days.
//
// # Hash chain
//
// Each entry is SHA-256 hash-chained to its predecessor within the same
// file. The event_hash for entry N is:
//
//	SHA-256( JSON({seq, ts, type, payload, prev_hash}) )
//
// The first entry of each file uses a prev_hash of 64 ASCII zero characters.
// A chain that starts fresh per file keeps verification independent of
// already-deleted days.
//
// # Thread safety
//
// Journal is safe for concurrent use; a mutex serialises appends to keep the
// sequence number and prev_hash consistent.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first entry in each day file.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one journal line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// entryContent is the subset of Entry that is hashed to produce EventHash.
type entryContent struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Journal is an append-only, daily-rotated event log writer. Create one with
// Open; do not copy after first use.
type Journal struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	day      string // YYYY-MM-DD of the open file
	prevHash string
	seq      int64

	now func() time.Time
}

// Open prepares a Journal writing into dir, creating the directory when
// needed. If today's file already contains entries, Open replays them to
// restore the sequence number and prev_hash so the chain continues
// correctly; a corrupt existing chain is an error.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir %q: %w", dir, err)
	}
	j := &Journal{dir: dir, now: time.Now}
	if err := j.rotateLocked(j.now()); err != nil {
		return nil, err
	}
	return j, nil
}

// fileForDay returns the journal path for a given day string.
func (j *Journal) fileForDay(day string) string {
	return filepath.Join(j.dir, "events-"+day+".log")
}

// rotateLocked (re)opens the file for the day containing t, replaying any
// existing chain state. Callers must hold mu (or be the constructor).
func (j *Journal) rotateLocked(t time.Time) error {
	day := t.UTC().Format("2006-01-02")
	if j.file != nil && day == j.day {
		return nil
	}
	if j.file != nil {
		_ = j.file.Close()
		j.file = nil
	}

	path := j.fileForDay(day)
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return err
		}
		if n := len(entries); n > 0 {
			prevHash = entries[n-1].EventHash
			seq = entries[n-1].Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open %q for appending: %w", path, err)
	}

	j.file = f
	j.day = day
	j.prevHash = prevHash
	j.seq = seq
	return nil
}

// Append writes one hash-chained entry of the given event type. payload is
// marshalled to JSON; nil records a JSON null.
func (j *Journal) Append(eventType string, payload any) (Entry, error) {
	raw := json.RawMessage("null")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("journal: marshal payload: %w", err)
		}
		raw = data
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.now().UTC()
	if err := j.rotateLocked(ts); err != nil {
		return Entry{}, err
	}

	seq := j.seq + 1
	prevHash := j.prevHash

	content := entryContent{
		Seq:       seq,
		Timestamp: ts,
		Type:      eventType,
		Payload:   raw,
		PrevHash:  prevHash,
	}
	eventHash := hashContent(content)

	e := Entry{
		Seq:       seq,
		Timestamp: ts,
		Type:      eventType,
		Payload:   raw,
		PrevHash:  prevHash,
		EventHash: eventHash,
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("journal: write entry: %w", err)
	}

	j.seq = seq
	j.prevHash = eventHash
	return e, nil
}

// Close flushes OS buffers and closes the current day file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		j.file = nil
		return fmt.Errorf("journal: sync: %w", err)
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Verify reads one journal file and checks its full hash chain, returning
// the ordered entries on success. An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: malformed entry after seq %d: %w", len(entries), err)
		}
		computed := hashContent(entryContent{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Type:      e.Type,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
		})
		if computed != e.EventHash {
			return nil, fmt.Errorf("journal: hash mismatch at seq %d", e.Seq)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("journal: chain break at seq %d", e.Seq)
		}
		prevHash = e.EventHash
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scanning %q: %w", path, err)
	}
	return entries, nil
}

// hashContent computes the canonical SHA-256 hex digest of the hashed
// fields.
func hashContent(c entryContent) string {
	data, err := json.Marshal(c)
	if err != nil {
		// entryContent always marshals; a failure here is a programming
		// error worth crashing on.
		panic(fmt.Sprintf("journal: marshal entry content: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
