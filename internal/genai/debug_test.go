package genai

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/openai/openai-go"
)

func debugClient(t *testing.T, debug bool) (*Client, string) {
	t.Helper()
	dir := t.TempDir()
	resp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `{"proposed_level":"BASELINE","confidence":0.2}`}},
		},
	}
	return &Client{
		chat:        &mockChatService{resp: resp},
		model:       "test-model",
		temperature: 0.1,
		maxTokens:   100,
		debugMode:   debug,
		stateDir:    dir,
	}, dir
}

func TestDebugLogging(t *testing.T) {
	client, dir := debugClient(t, true)
	if _, err := client.GenerateJSON(context.Background(), "You review ward telemetry.", "patient P1 history"); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	files, err := os.ReadDir(filepath.Join(dir, "debug"))
	if err != nil {
		t.Fatalf("debug directory was not created: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}
	content, err := os.ReadFile(filepath.Join(dir, "debug", files[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("debug log is not JSON: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("required field %q missing from debug log", field)
		}
	}
	if entry["method"] != "GenerateJSON" || entry["model"] != "test-model" {
		t.Errorf("method=%v model=%v", entry["method"], entry["model"])
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	client, dir := debugClient(t, false)
	if _, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "debug")); !os.IsNotExist(err) {
		t.Error("debug directory should not be created when debug mode is disabled")
	}
}
