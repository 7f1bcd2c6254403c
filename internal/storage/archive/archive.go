// Package archive keeps an append-only, zstd-compressed JSONL record of
// every committed cycle. Files rotate hourly per simulation.
package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/AaronLay10/Universalis/internal/archon"
	"github.com/AaronLay10/Universalis/internal/world"
)

const filePrefix = "cycles-"

// Record is one archived cycle.
type Record struct {
	SimulationID string            `json:"simulation_id"`
	Cycle        uint64            `json:"cycle"`
	ArchivedAt   time.Time         `json:"archived_at"`
	Digest       string            `json:"digest"`
	Result       *archon.Result    `json:"result"`
	State        *world.WorldState `json:"state"`
}

// Digest returns the hex sha256 of the canonical JSON of ws.
func Digest(ws *world.WorldState) (string, error) {
	b, err := json.Marshal(ws)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Writer appends records under baseDir/<simulation id>/.
type Writer struct {
	baseDir string
	now     func() time.Time

	mu      sync.Mutex
	curSim  string
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewWriter creates a writer rooted at baseDir. Nothing is opened until the
// first Append.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir, now: time.Now}
}

// Append implements orchestrator.Archiver.
func (w *Writer) Append(_ context.Context, res *archon.Result, ws *world.WorldState) error {
	digest, err := Digest(ws)
	if err != nil {
		return fmt.Errorf("digest cycle %d: %w", ws.Cycle, err)
	}
	rec := Record{
		SimulationID: ws.SimulationID,
		Cycle:        ws.Cycle,
		ArchivedAt:   w.now().UTC(),
		Digest:       digest,
		Result:       res,
		State:        ws,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cycle %d: %w", ws.Cycle, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	hour := rec.ArchivedAt.Format("2006-01-02-15")
	if hour != w.curHour || ws.SimulationID != w.curSim {
		if err := w.rotateLocked(ws.SimulationID, hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(simID, hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := filepath.Join(w.baseDir, simID, fmt.Sprintf("%s%s.jsonl.zst", filePrefix, hour))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSim = simID
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curSim, w.curHour = "", ""
	return err
}

// Files lists the archive files of simID in chronological order.
func Files(baseDir, simID string) ([]string, error) {
	dir := filepath.Join(baseDir, simID)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = filepath.Join(dir, name)
	}
	return out, nil
}

// ReadFile calls fn for every record in one archive file, in order.
func ReadFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReplayStats summarises a verified archive.
type ReplayStats struct {
	Files      int
	Checked    int
	FirstCycle uint64
	LastCycle  uint64
}

// Replay walks every record of simID between from and to (inclusive; zero
// to means no upper bound), checking that cycles strictly increase and each
// stored state still matches its digest. fn, when non-nil, sees each
// verified record.
func Replay(baseDir, simID string, from, to uint64, fn func(Record) error) (ReplayStats, error) {
	var stats ReplayStats
	files, err := Files(baseDir, simID)
	if err != nil {
		return stats, fmt.Errorf("list archive: %w", err)
	}
	if len(files) == 0 {
		return stats, fmt.Errorf("no archive files for %s in %s", simID, baseDir)
	}
	stats.Files = len(files)

	var prev uint64
	seen := false
	for _, path := range files {
		err := ReadFile(path, func(rec Record) error {
			if rec.Cycle < from || (to != 0 && rec.Cycle > to) {
				return nil
			}
			if seen && rec.Cycle <= prev {
				return fmt.Errorf("cycle %d follows %d in %s", rec.Cycle, prev, filepath.Base(path))
			}
			if rec.State == nil || rec.State.Cycle != rec.Cycle {
				return fmt.Errorf("cycle %d: record state does not match its cycle", rec.Cycle)
			}
			got, err := Digest(rec.State)
			if err != nil {
				return err
			}
			if got != rec.Digest {
				return fmt.Errorf("digest mismatch at cycle %d: got=%s want=%s", rec.Cycle, got, rec.Digest)
			}
			if !seen {
				stats.FirstCycle = rec.Cycle
			}
			seen = true
			prev = rec.Cycle
			stats.LastCycle = rec.Cycle
			stats.Checked++
			if fn != nil {
				return fn(rec)
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}
