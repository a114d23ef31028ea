package meter

import (
	"bufio"
	"io"
	"strings"
)

// uniqueIDNamespace prefixes the scheduler's global job id to build the
// submission-unique identifier the collector deduplicates on.
const uniqueIDNamespace = "condor."

// TagUniqueID derives the synthetic unique identifier for a record that
// carries a GlobalJobId and injects it as UniqGlobalJobId. Records without
// a global job id pass through unmodified. Uniqueness bookkeeping is the
// transport's job; this only guarantees deterministic derivation.
func TagUniqueID(ad *ClassAd) *ClassAd {
	if gid, ok := ad.Text("GlobalJobId"); ok {
		ad.Set("UniqGlobalJobId", StringValue(uniqueIDNamespace+gid))
		logf(5, "unique id: %s", uniqueIDNamespace+gid)
	}
	return ad
}

// RecordScanner splits a character stream into blank-line-delimited blocks
// and parses each block into a ClassAd, tagging it with its unique id.
//
// A line that is blank after trimming trailing whitespace terminates the
// current block; consecutive blank lines therefore produce empty records,
// which callers must treat as valid but uninteresting. At end of stream a
// non-empty remaining buffer is parsed as one final block, so an entirely
// empty stream yields no records. A block that fails to parse is reported
// through Record's error and counted; it never aborts the rest of the
// stream. Only a read failure on the underlying stream stops the scan.
type RecordScanner struct {
	lines      *bufio.Scanner
	record     *ClassAd
	recordErr  error
	err        error
	softErrors int
	done       bool
}

func NewRecordScanner(r io.Reader) *RecordScanner {
	sc := bufio.NewScanner(r)
	// History blocks hold environment dumps well past the default limit.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &RecordScanner{lines: sc}
}

// Scan advances to the next block. It returns false when the stream is
// exhausted or a read error occurred; Err distinguishes the two.
func (s *RecordScanner) Scan() bool {
	if s.done || s.err != nil {
		return false
	}
	var buf strings.Builder
	for s.lines.Scan() {
		raw := s.lines.Text()
		if strings.TrimRight(raw, " \t\r") == "" {
			s.parseBlock(buf.String())
			return true
		}
		buf.WriteString(raw)
		buf.WriteString("\n")
	}
	if err := s.lines.Err(); err != nil {
		s.err = err
		return false
	}
	s.done = true
	if buf.Len() == 0 {
		return false
	}
	s.parseBlock(buf.String())
	return true
}

func (s *RecordScanner) parseBlock(block string) {
	ad, err := ParseClassAd(block)
	if err != nil {
		s.record, s.recordErr = nil, err
		s.softErrors++
		return
	}
	s.record, s.recordErr = TagUniqueID(ad), nil
}

// Record returns the current block's record, or the parse error for a
// malformed block.
func (s *RecordScanner) Record() (*ClassAd, error) {
	return s.record, s.recordErr
}

// SoftErrors reports how many blocks failed to parse so far.
func (s *RecordScanner) SoftErrors() int { return s.softErrors }

// Err returns the stream-level read error, if any. Block parse failures are
// not stream errors.
func (s *RecordScanner) Err() error { return s.err }
