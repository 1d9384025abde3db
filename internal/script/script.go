// Package script evaluates lst scripts: one command per line, with
// shell-style quoting and # comments.
//
//	open bar
//	notify "Build finished" "all tests passed"
//	dnd toggle
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("wrong number of arguments")
)

// Command is one script command. Max < 0 means no upper bound.
type Command struct {
	Name  string
	Usage string
	Min   int
	Max   int
	Run   func(ctx context.Context, args []string) error
}

// LineError reports which line of a script failed.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %q: %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Interpreter holds the registered commands.
type Interpreter struct {
	commands map[string]Command
}

// New returns an interpreter with no commands.
func New() *Interpreter {
	return &Interpreter{commands: make(map[string]Command)}
}

// Register adds cmd, replacing a command with the same name.
func (in *Interpreter) Register(cmd Command) {
	in.commands[cmd.Name] = cmd
}

// Commands returns the registered commands sorted by name.
func (in *Interpreter) Commands() []Command {
	out := make([]Command, 0, len(in.commands))
	for _, c := range in.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Eval runs src line by line and stops at the first failing line.
func (in *Interpreter) Eval(ctx context.Context, src string) error {
	sc := bufio.NewScanner(strings.NewReader(src))
	n := 0
	for sc.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := in.exec(ctx, line); err != nil {
			return &LineError{Line: n, Text: line, Err: err}
		}
	}
	return sc.Err()
}

// EvalFile runs the script at path.
func (in *Interpreter) EvalFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := in.Eval(ctx, string(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (in *Interpreter) exec(ctx context.Context, line string) error {
	words, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	cmd, ok := in.commands[words[0]]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownCommand, words[0])
	}
	args := words[1:]
	if len(args) < cmd.Min || (cmd.Max >= 0 && len(args) > cmd.Max) {
		return fmt.Errorf("%w: usage: %s %s", ErrUsage, cmd.Name, cmd.Usage)
	}
	return cmd.Run(ctx, args)
}
