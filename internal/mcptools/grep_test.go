package mcptools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(orig) }) //nolint:errcheck
	return dir
}

func TestGrepTool_Declaration(t *testing.T) {
	tool := NewGrepTool()
	if tool.Name != "Grep" {
		t.Errorf("got name %q, want Grep", tool.Name)
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "pattern" {
		t.Errorf("schema.required = %v, want [pattern]", schema.Required)
	}
}

func TestGrepHandler_EmptyPattern(t *testing.T) {
	chdirTemp(t)
	handler := MakeGrepHandler()
	result, err := handler(context.Background(), json.RawMessage(`{"pattern":""}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on empty pattern")
	}
}

func TestGrepHandler_InvalidArguments(t *testing.T) {
	chdirTemp(t)
	handler := MakeGrepHandler()
	result, err := handler(context.Background(), json.RawMessage(`not json`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error on invalid JSON arguments")
	}
}

func TestGrepHandler_ContentSearch(t *testing.T) {
	dir := chdirTemp(t)
	if err := os.WriteFile(filepath.Join(dir, "needle.txt"), []byte("a haystack line\na needle in a haystack\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	handler := MakeGrepHandler()
	args, _ := json.Marshal(GrepArgs{Pattern: "needle", ContentSearch: true})
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content[0].Text)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "needle.txt") {
		t.Errorf("expected match on needle.txt, got: %s", text)
	}
}

func TestGrepHandler_FilenameSearch(t *testing.T) {
	dir := chdirTemp(t)
	if err := os.WriteFile(filepath.Join(dir, "special_marker.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	handler := MakeGrepHandler()
	args, _ := json.Marshal(GrepArgs{Pattern: "special_marker"})
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "special_marker.go") {
		t.Errorf("expected filename match, got: %s", result.Content[0].Text)
	}
}

func TestGrepHandler_NoMatches(t *testing.T) {
	chdirTemp(t)
	handler := MakeGrepHandler()
	args, _ := json.Marshal(GrepArgs{Pattern: "definitely-not-present-anywhere"})
	result, err := handler(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("no-match should not be an error result: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "No matches found") {
		t.Errorf("expected 'No matches found', got: %s", result.Content[0].Text)
	}
}
