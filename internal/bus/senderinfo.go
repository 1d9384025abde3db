package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// SenderInfo identifies the process behind a bus caller.
type SenderInfo struct {
	Sender string `json:"sender"`
	PID    uint32 `json:"pid,omitempty"`
	UID    uint32 `json:"uid,omitempty"`
	// Invoker is the first non-shell process walking up from PID, which is
	// the program the user actually ran ("lst" for the control client,
	// "swaymsg" for a keybinding).
	Invoker      string        `json:"invoker,omitempty"`
	ProcessChain []ProcessInfo `json:"process_chain,omitempty"`
}

// ProcessInfo is one entry of a process chain.
type ProcessInfo struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

// procRoot is overridden in tests.
var procRoot = "/proc"

var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// ResolveSender looks up the PID and UID of sender on the bus and walks
// /proc for its ancestry. It returns whatever it could find and never fails.
func (c *Conn) ResolveSender(ctx context.Context, sender string) SenderInfo {
	info := SenderInfo{Sender: sender}
	obj := c.conn.Object(busName, busPath)

	if err := obj.CallWithContext(ctx, busInterface+".GetConnectionUnixProcessID", 0, sender).Store(&info.PID); err != nil {
		slog.Debug("failed to get connection PID", "sender", sender, "error", err)
	}
	if err := obj.CallWithContext(ctx, busInterface+".GetConnectionUnixUser", 0, sender).Store(&info.UID); err != nil {
		slog.Debug("failed to get connection UID", "sender", sender, "error", err)
	}

	if info.PID != 0 {
		info.ProcessChain = processChain(info.PID)
		info.Invoker = invoker(info.ProcessChain)
	}
	return info
}

// processChain walks from pid up to (but not including) PID 1.
func processChain(pid uint32) []ProcessInfo {
	var chain []ProcessInfo
	for p := pid; p > 1; p = readPPID(p) {
		comm := readComm(p)
		if comm == "" {
			break
		}
		chain = append(chain, ProcessInfo{Name: comm, PID: p})
	}
	return chain
}

func invoker(chain []ProcessInfo) string {
	for _, p := range chain {
		if !shells[p.Name] {
			return p.Name
		}
	}
	if len(chain) > 0 {
		return chain[0].Name
	}
	return ""
}

func readComm(pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procRoot, pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readPPID parses the parent PID out of /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so fields are taken after the last ')'.
func readPPID(pid uint32) uint32 {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return 0
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	ppid, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(ppid)
}
