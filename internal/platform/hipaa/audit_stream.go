package hipaa

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// genesisHash is the prev_hash of the first line in a stream.
var genesisHash = strings.Repeat("0", sha256.Size*2)

const maxStreamLine = 1 << 20

// streamLine is the on-disk shape of one audit stream entry.
type streamLine struct {
	Seq      uint64          `json:"seq"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
	Record   json.RawMessage `json:"record"`
}

// errWriter remembers the last write error so a zerolog event, which does
// not return one, can still be acknowledged or rejected.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// StreamSink appends audit records to a JSON-lines file. Every line carries
// the SHA-256 of the previous line's hash and its own record, so removing,
// reordering or editing a line breaks the chain. Writes are fsynced before
// they are acknowledged.
type StreamSink struct {
	mu   sync.Mutex
	f    *os.File
	out  *errWriter
	log  zerolog.Logger
	seq  uint64
	head string
}

// OpenStreamSink opens (or creates) the stream at path and recovers the
// chain head from its last line. A stream whose tail fails to parse is
// refused rather than silently forked.
func OpenStreamSink(path string) (*StreamSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit stream: open %s: %w", path, err)
	}

	seq, head, err := recoverHead(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	out := &errWriter{w: f}
	return &StreamSink{
		f:    f,
		out:  out,
		log:  zerolog.New(out),
		seq:  seq,
		head: head,
	}, nil
}

func recoverHead(r io.Reader) (uint64, string, error) {
	seq, head := uint64(0), genesisHash
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return 0, "", fmt.Errorf("audit stream: corrupt line after seq %d: %w", seq, err)
		}
		seq, head = line.Seq, line.Hash
	}
	if err := sc.Err(); err != nil {
		return 0, "", fmt.Errorf("audit stream: read: %w", err)
	}
	return seq, head, nil
}

// Name implements AuditSink.
func (s *StreamSink) Name() string { return "stream" }

// Write implements AuditSink.
func (s *StreamSink) Write(_ context.Context, rec *AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit stream: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	hash := chainHash(s.head, payload)

	s.out.err = nil
	s.log.Log().
		Uint64("seq", seq).
		Str("prev_hash", s.head).
		Str("hash", hash).
		RawJSON("record", payload).
		Send()
	if s.out.err != nil {
		return fmt.Errorf("audit stream: append: %w", s.out.err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("audit stream: sync: %w", err)
	}

	s.seq, s.head = seq, hash
	return nil
}

// Close closes the underlying file.
func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func chainHash(prev string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainError locates the first line that breaks the audit hash chain.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at line %d: %s", e.Line, e.Reason)
}

// VerifyChain checks every line of an audit stream and returns the number
// of verified records. The first inconsistency is reported as *ChainError.
func VerifyChain(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	prev, want := genesisHash, uint64(1)
	lineNo, count := 0, 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return count, &ChainError{Line: lineNo, Reason: "unparseable line"}
		}
		switch {
		case line.Seq != want:
			return count, &ChainError{Line: lineNo, Reason: fmt.Sprintf("sequence %d, expected %d", line.Seq, want)}
		case line.PrevHash != prev:
			return count, &ChainError{Line: lineNo, Reason: "prev_hash does not match previous line"}
		case chainHash(prev, line.Record) != line.Hash:
			return count, &ChainError{Line: lineNo, Reason: "hash does not match record"}
		}
		prev, want = line.Hash, want+1
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("audit chain: read: %w", err)
	}
	return count, nil
}

// IsChainError reports whether err is a *ChainError.
func IsChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}
