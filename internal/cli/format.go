package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Formatter outputs command results as text or JSON.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatWindows outputs window names, one per line.
func (f *Formatter) FormatWindows(names []string) error {
	if f.asJSON {
		if names == nil {
			names = []string{}
		}
		return json.NewEncoder(f.w).Encode(names)
	}
	if len(names) == 0 {
		fmt.Fprintln(f.w, "No windows")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(f.w, name)
	}
	return nil
}

// FormatToggle outputs the visibility of a toggled window.
func (f *Formatter) FormatToggle(name string, visible bool) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]any{
			"window":  name,
			"visible": visible,
		})
	}
	state := "hidden"
	if visible {
		state = "visible"
	}
	fmt.Fprintf(f.w, "%s: %s\n", name, state)
	return nil
}

// FormatAction outputs the result of a call without a return value. Text
// output stays silent so scripts can chain commands.
func (f *Formatter) FormatAction(action string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": "ok",
			"action": action,
		})
	}
	return nil
}

// FormatError outputs a failed call.
func (f *Formatter) FormatError(action string, err error) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": "error",
			"action": action,
			"error":  err.Error(),
		})
	}
	fmt.Fprintf(f.w, "Error: %s: %v\n", action, err)
	return nil
}
