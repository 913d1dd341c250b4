package errtrack

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWithEmptyPathReturnsNilTracker(t *testing.T) {
	tr, err := Open("")
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestNilTrackerTrackIsSafeAndReturnsRecord(t *testing.T) {
	var tr *Tracker
	rec := tr.Track("t1", errors.New("boom"), nil)
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "boom", rec.Message)
}

func TestNilTrackerCloseIsSafe(t *testing.T) {
	var tr *Tracker
	assert.NoError(t, tr.Close())
}

func TestTrackAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.jsonl")
	tr, err := Open(path)
	require.NoError(t, err)
	defer tr.Close()

	rec := tr.Track("t1", errors.New("upstream failed"), map[string]string{"host": "h1"})
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "h1", rec.Context["host"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	require.True(t, scanner.Scan())
	var decoded Record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
	assert.Equal(t, "t1", decoded.TaskID)
	assert.Equal(t, "upstream failed", decoded.Message)
}

func TestTrackCapturesCauseChain(t *testing.T) {
	tr, err := Open(filepath.Join(t.TempDir(), "errors.jsonl"))
	require.NoError(t, err)
	defer tr.Close()

	root := errors.New("connection reset")
	wrapped := fmt.Errorf("call host-a: %w", root)

	rec := tr.Track("t1", wrapped, nil)
	require.Len(t, rec.CauseChain, 2)
	assert.Equal(t, "call host-a: connection reset", rec.CauseChain[0])
	assert.Equal(t, "connection reset", rec.CauseChain[1])
}

func TestFormatReportIncludesCauseChain(t *testing.T) {
	rec := Record{
		TaskID:     "t1",
		ErrorType:  "*errors.errorString",
		Message:    "top level",
		CauseChain: []string{"top level", "root cause"},
	}
	report := FormatReport(rec)
	assert.Contains(t, report, "task: t1")
	assert.Contains(t, report, "root cause")
}

func TestOpenCreatesIntermediateDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "errors.jsonl")
	tr, err := Open(path)
	require.NoError(t, err)
	defer tr.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}
