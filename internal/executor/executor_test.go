package executor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestTokenize_QuotedArguments(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`claude chat`, []string{"claude", "chat"}},
		{`claude -p 'hello world'`, []string{"claude", "-p", "hello world"}},
		{`claude -p "it's fine"`, []string{"claude", "-p", "it's fine"}},
		{`echo "a b" c`, []string{"echo", "a b", "c"}},
		{`echo ab'cd'ef`, []string{"echo", "abcdef"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
	}
	for _, tc := range cases {
		got, err := Tokenize(tc.in)
		if err != nil {
			t.Fatalf("Tokenize(%q) failed: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTokenize_UnterminatedQuote(t *testing.T) {
	if _, err := Tokenize(`echo "oops`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

func TestTokenize_NoEscapeSupport(t *testing.T) {
	got, err := Tokenize(`echo a\ b`)
	if err != nil {
		t.Fatal(err)
	}
	// Backslash is a literal byte, not an escape.
	if !reflect.DeepEqual(got, []string{"echo", `a\`, "b"}) {
		t.Fatalf("unexpected tokens: %v", got)
	}
}

func TestRun_StreamsStdoutInRealTime(t *testing.T) {
	e := New(nil)
	var chunks []string
	res := e.Run(context.Background(), "echo hi", RunOptions{
		OnStdout: func(chunk string) { chunks = append(chunks, chunk) },
	})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if strings.Join(chunks, "") != "hi\n" {
		t.Fatalf("unexpected streamed chunks: %q", chunks)
	}
}

func TestRun_CapturesStderrAndExitCode(t *testing.T) {
	e := New(nil)
	res := e.Run(context.Background(), `sh -c 'echo oops >&2; exit 3'`, RunOptions{})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
	if res.Stderr != "oops\n" {
		t.Fatalf("unexpected stderr: %q", res.Stderr)
	}
}

func TestRun_CLINotFound(t *testing.T) {
	e := New(nil)
	res := e.Run(context.Background(), "definitely-not-a-real-binary-4821", RunOptions{})
	if !errors.Is(res.Err, ErrCLINotFound) {
		t.Fatalf("expected ErrCLINotFound, got %v", res.Err)
	}
}

func TestRun_TimeoutTerminatesProcess(t *testing.T) {
	e := New(nil)
	started := time.Now()
	res := e.Run(context.Background(), "sleep 10", RunOptions{Timeout: 150 * time.Millisecond})
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("graceful terminate took too long: %s", elapsed)
	}
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	e := New(nil)
	e.SetWaitDelay(500 * time.Millisecond)
	started := time.Now()
	res := e.Run(context.Background(), `sh -c 'trap "" TERM; sleep 10'`, RunOptions{Timeout: 150 * time.Millisecond})
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	// SIGTERM is ignored, so the hard kill after the wait delay must end it.
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("hard kill took too long: %s", elapsed)
	}
}

func TestRun_EmptyCommand(t *testing.T) {
	e := New(nil)
	if res := e.Run(context.Background(), "   ", RunOptions{}); res.Err == nil {
		t.Fatal("expected error for empty command")
	}
}
