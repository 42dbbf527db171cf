package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/samcharles93/loom/internal/pipeline"
)

func TestCollectPromptsMergesArgsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	if err := os.WriteFile(path, []byte("from file\n\nsecond line\n"), 0o644); err != nil {
		t.Fatalf("write prompts file: %v", err)
	}

	prompts, err := collectPrompts([]string{"from args"}, path)
	if err != nil {
		t.Fatalf("collectPrompts: %v", err)
	}
	want := []string{"from args", "from file", "second line"}
	if !reflect.DeepEqual(prompts, want) {
		t.Fatalf("prompts = %v, want %v", prompts, want)
	}
}

func TestCollectPromptsMissingFile(t *testing.T) {
	if _, err := collectPrompts(nil, filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("missing prompts file accepted")
	}
}

func TestWriteResultsJSONL(t *testing.T) {
	results := []pipeline.Result{
		{Index: 0, Text: "out", Tokens: []int{1, 2}, Reason: "length"},
		{Index: 1, Reason: "invalid_request", Err: errors.New("prompt 1 is empty")},
	}

	var buf bytes.Buffer
	if err := writeResults(&buf, "jsonl", []string{"p0", "p1"}, results); err != nil {
		t.Fatalf("writeResults: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"finish_reason":"length"`) || !strings.Contains(lines[0], `"tokens":2`) {
		t.Fatalf("line 0 = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"prompt 1 is empty"`) {
		t.Fatalf("line 1 = %s", lines[1])
	}
}

func TestWriteResultsUnknownMode(t *testing.T) {
	var buf bytes.Buffer
	if err := writeResults(&buf, "xml", nil, nil); err == nil {
		t.Fatal("unknown output mode accepted")
	}
}
