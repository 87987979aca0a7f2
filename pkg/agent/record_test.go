package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineRecords(t *testing.T) {
	var records []Record
	var garbage []string
	p := NewRecordParser(
		func(r Record) { records = append(records, r) },
		func(line string) { garbage = append(garbage, line) },
	)

	rec := p.ParseLine(`{"status":"progress","result":"working on it"}`)
	require.NotNil(t, rec)
	assert.Equal(t, StatusProgress, rec.Status)
	assert.False(t, rec.Terminal())

	rec = p.ParseLine(`{"status":"success","result":"done","newSessionId":"s-2"}`)
	require.NotNil(t, rec)
	assert.True(t, rec.Terminal())
	assert.Equal(t, "s-2", rec.NewSessionID)

	rec = p.ParseLine(`{"status":"error","error":"container exploded"}`)
	require.NotNil(t, rec)
	assert.True(t, rec.Terminal())
	assert.Equal(t, "container exploded", rec.Error)

	assert.Len(t, records, 3)
	assert.Empty(t, garbage)
}

func TestParseLineNonStringResults(t *testing.T) {
	var records []Record
	var garbage []string
	p := NewRecordParser(
		func(r Record) { records = append(records, r) },
		func(line string) { garbage = append(garbage, line) },
	)

	// An object-valued result is still a record; it just carries no chat
	// text. The session handle and status must survive.
	rec := p.ParseLine(`{"status":"success","result":{"text":"hello"},"newSessionId":"s-2"}`)
	require.NotNil(t, rec)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "", rec.Result)
	assert.Equal(t, "s-2", rec.NewSessionID)

	rec = p.ParseLine(`{"status":"progress","result":null}`)
	require.NotNil(t, rec)
	assert.Equal(t, "", rec.Result)

	assert.Len(t, records, 2)
	assert.Empty(t, garbage)
}

func TestParseLineGarbageAndBlanks(t *testing.T) {
	var records []Record
	var garbage []string
	p := NewRecordParser(
		func(r Record) { records = append(records, r) },
		func(line string) { garbage = append(garbage, line) },
	)

	assert.Nil(t, p.ParseLine(""))
	assert.Nil(t, p.ParseLine("   "))
	assert.Nil(t, p.ParseLine("npm WARN deprecated something"))
	// Valid JSON without a status is still not a record.
	assert.Nil(t, p.ParseLine(`{"message":"hello"}`))

	assert.Empty(t, records)
	assert.Equal(t, []string{"npm WARN deprecated something", `{"message":"hello"}`}, garbage)
}

func TestParseReaderStream(t *testing.T) {
	input := strings.Join([]string{
		`{"status":"progress","result":"step 1"}`,
		"",
		"debug: noise",
		`{"status":"success","result":"all done"}`,
	}, "\n")

	var records []Record
	p := NewRecordParser(func(r Record) { records = append(records, r) }, nil)
	require.NoError(t, p.ParseReader(strings.NewReader(input)))

	require.Len(t, records, 2)
	assert.Equal(t, "step 1", records[0].Result)
	assert.Equal(t, "all done", records[1].Result)
	assert.Equal(t, 4, p.LineCount())
}

func TestParseReaderLongLine(t *testing.T) {
	// A result well past bufio's default 64KB token limit must still parse.
	long := strings.Repeat("x", 200*1024)
	input := `{"status":"success","result":"` + long + `"}`

	var records []Record
	p := NewRecordParser(func(r Record) { records = append(records, r) }, nil)
	require.NoError(t, p.ParseReader(strings.NewReader(input)))

	require.Len(t, records, 1)
	assert.Len(t, records[0].Result, 200*1024)
}
