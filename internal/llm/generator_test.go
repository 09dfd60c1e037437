package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOllamaStreamsAndSendsFormat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		lines := []string{
			`{"message":{"role":"assistant","content":"{\"type\":"},"done":false}`,
			`{"message":{"role":"assistant","content":"\"inform\",\"text\":\"hi\"}"},"done":true,"eval_count":7,"prompt_eval_count":40}`,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", "qwen2.5:3b")
	out, err := Collect(context.Background(), gen, Request{Prompt: "p", System: "s", Format: "json", MaxTokens: 64})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Content != `{"type":"inform","text":"hi"}` {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if out.PromptTokens != 40 || out.CompletionTokens != 7 {
		t.Fatalf("unexpected usage %+v", out)
	}
	if got.Model != "qwen2.5:3b" || got.Format != "json" || got.Options.NumPredict != 64 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "p" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestOllamaSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	_, err := Collect(context.Background(), NewOllamaGenerator(srv.URL, "nope"), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestOllamaRejectsTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{"},"done":false}` + "\n"))
	}))
	defer srv.Close()

	if _, err := Collect(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "p"}); err == nil {
		t.Fatalf("expected error for a stream without done")
	}
}

func TestOllamaHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Collect(ctx, NewOllamaGenerator(srv.URL, ""), Request{Prompt: "p"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("generator ignored the context deadline")
	}
}

func TestExecGenerator(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "llm.sh")
	body := "#!/bin/sh\ncat >/dev/null\nprintf '%s\\n' '{\"content\":\"{\\\"type\\\":\\\"clarify\\\",\\\"text\\\":\\\"Which room?\\\"}\",\"completion_tokens\":5}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := Collect(context.Background(), gen, Request{Prompt: "which lights"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Content != `{"type":"clarify","text":"Which room?"}` || out.CompletionTokens != 5 {
		t.Fatalf("unexpected completion %+v", out)
	}
}

func TestExecGeneratorRawOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "llama.sh")
	body := "#!/bin/sh\ncat >/dev/null\nprintf '%s\\n' '{\"type\":\"inform\",\"text\":\"It is sunny.\"}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	gen, err := NewExecGenerator("sh " + script)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	out, err := Collect(context.Background(), gen, Request{Prompt: "weather"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Content != `{"type":"inform","text":"It is sunny."}` {
		t.Fatalf("unexpected completion %q", out.Content)
	}
}

func TestMockGeneratorJSON(t *testing.T) {
	out, err := Collect(context.Background(), NewMockGenerator(), Request{Prompt: "hello there\nmore", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(out.Content), &decoded); err != nil {
		t.Fatalf("mock json output invalid: %v", err)
	}
	if decoded["type"] != "inform" || !strings.Contains(decoded["text"], "hello there") {
		t.Fatalf("unexpected mock output %v", decoded)
	}
}

func TestScriptedGeneratorRepeatsLastReply(t *testing.T) {
	gen := NewScriptedGenerator("a", "b")
	for _, want := range []string{"a", "b", "b"} {
		out, _ := Collect(context.Background(), gen, Request{})
		if out.Content != want {
			t.Fatalf("expected %q, got %q", want, out.Content)
		}
	}
	if len(gen.Requests()) != 3 {
		t.Fatalf("expected 3 recorded requests")
	}
}
