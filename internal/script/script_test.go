package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func recorder(calls *[][]string) func(context.Context, []string) error {
	return func(_ context.Context, args []string) error {
		*calls = append(*calls, args)
		return nil
	}
}

func TestEval(t *testing.T) {
	var calls [][]string
	in := New()
	in.Register(Command{Name: "notify", Usage: "SUMMARY [BODY]", Min: 1, Max: 2, Run: recorder(&calls)})
	in.Register(Command{Name: "quit", Max: 0, Run: recorder(&calls)})

	src := `
# comment
notify "Build finished" 'all tests passed'
notify hello   # trailing comment
quit
`
	if err := in.Eval(context.Background(), src); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	want := [][]string{{"Build finished", "all tests passed"}, {"hello"}, {}}
	if len(calls) != len(want) {
		t.Fatalf("calls = %q, want %q", calls, want)
	}
	for i := range want {
		if !slices.Equal(calls[i], want[i]) {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestEvalErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		src      string
		wantErr  error
		wantLine int
		wantRuns int
	}{
		{name: "unknown command", src: "ok\nfrobnicate\nok", wantErr: ErrUnknownCommand, wantLine: 2, wantRuns: 1},
		{name: "too few args", src: "one", wantErr: ErrUsage, wantLine: 1},
		{name: "too many args", src: "\n\none a b", wantErr: ErrUsage, wantLine: 3},
		{name: "command error stops", src: "fail\nok", wantErr: boom, wantLine: 1},
		{name: "unterminated quote", src: `ok "open`, wantLine: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := 0
			in := New()
			in.Register(Command{Name: "ok", Max: -1, Run: func(context.Context, []string) error { runs++; return nil }})
			in.Register(Command{Name: "one", Min: 1, Max: 1, Usage: "ARG", Run: func(context.Context, []string) error { return nil }})
			in.Register(Command{Name: "fail", Run: func(context.Context, []string) error { return boom }})

			err := in.Eval(context.Background(), tt.src)
			var lerr *LineError
			if !errors.As(err, &lerr) {
				t.Fatalf("err = %v, want *LineError", err)
			}
			if lerr.Line != tt.wantLine {
				t.Errorf("line = %d, want %d", lerr.Line, tt.wantLine)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if runs != tt.wantRuns {
				t.Errorf("ok ran %d times, want %d", runs, tt.wantRuns)
			}
		})
	}
}

func TestEvalCancelled(t *testing.T) {
	in := New()
	in.Register(Command{Name: "ok", Run: func(context.Context, []string) error { return nil }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := in.Eval(ctx, "ok"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEvalFile(t *testing.T) {
	var calls [][]string
	in := New()
	in.Register(Command{Name: "open", Min: 1, Max: 1, Run: recorder(&calls)})

	path := filepath.Join(t.TempDir(), "startup.lst")
	if err := os.WriteFile(path, []byte("open bar\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := in.EvalFile(context.Background(), path); err != nil {
		t.Fatalf("EvalFile: %v", err)
	}
	if len(calls) != 1 || calls[0][0] != "bar" {
		t.Errorf("calls = %q", calls)
	}
	if err := in.EvalFile(context.Background(), filepath.Join(t.TempDir(), "missing.lst")); err == nil {
		t.Error("EvalFile of a missing file succeeded")
	}
}
