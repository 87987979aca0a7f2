package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Record statuses emitted by the agent process on stdout.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusProgress = "progress"
)

// Record is one line-delimited JSON object streamed by the agent.
type Record struct {
	// Status is "success", "error", or "progress".
	Status string

	// Result carries user-visible output. The wire value may also be an
	// object or null; only string results produce chat text, so Result is
	// empty for those.
	Result string

	// NewSessionID, when set, replaces the stored continuation handle.
	NewSessionID string

	// Error carries diagnostic text (for status="error").
	Error string

	// Raw is the original line, kept for debugging.
	Raw string
}

// wireRecord mirrors the agent's JSON shape. result is left raw because the
// agent emits it as a string, an object, or null depending on the turn.
type wireRecord struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result"`
	NewSessionID string          `json:"newSessionId"`
	Error        string          `json:"error"`
}

// Terminal reports whether the record ends the current turn.
func (r Record) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}

// RecordParser parses the agent's line-delimited JSON stream.
type RecordParser struct {
	onRecord  func(Record)
	onGarbage func(line string)
	lineCount int
}

// NewRecordParser creates a parser with per-record callbacks. onGarbage
// receives non-empty lines that are not valid records (agent debug chatter).
func NewRecordParser(onRecord func(Record), onGarbage func(line string)) *RecordParser {
	return &RecordParser{onRecord: onRecord, onGarbage: onGarbage}
}

// ParseLine parses a single stdout line. Returns nil for blank or
// unparseable lines.
func (p *RecordParser) ParseLine(line string) *Record {
	p.lineCount++
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var w wireRecord
	if err := json.Unmarshal([]byte(line), &w); err != nil || w.Status == "" {
		if p.onGarbage != nil {
			p.onGarbage(line)
		}
		return nil
	}

	rec := Record{
		Status:       w.Status,
		NewSessionID: w.NewSessionID,
		Error:        w.Error,
		Raw:          line,
	}
	if len(w.Result) > 0 {
		var text string
		if err := json.Unmarshal(w.Result, &text); err == nil {
			rec.Result = text
		}
	}

	if p.onRecord != nil {
		p.onRecord(rec)
	}
	return &rec
}

// ParseReader consumes an agent stdout stream until EOF.
func (p *RecordParser) ParseReader(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Result payloads can be long; allow lines up to 1MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		p.ParseLine(scanner.Text())
	}
	return scanner.Err()
}

// LineCount returns the number of lines seen, parsed or not.
func (p *RecordParser) LineCount() int {
	return p.lineCount
}
