package service

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// --- test helpers ---

func mockSystemctl(t *testing.T) *[]string {
	t.Helper()
	orig := systemctlFunc
	var calls []string
	systemctlFunc = func(args ...string) error {
		calls = append(calls, strings.Join(args, " "))
		return nil
	}
	t.Cleanup(func() { systemctlFunc = orig })
	return &calls
}

func mockExecutable(t *testing.T, path string) {
	t.Helper()
	orig := executableFunc
	executableFunc = func() (string, error) { return path, nil }
	t.Cleanup(func() { executableFunc = orig })
}

func readUnit(t *testing.T, dir string) string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(dir, "systemd", "user", unitFileName))
	if err != nil {
		t.Fatalf("read unit: %v", err)
	}
	return string(content)
}

// --- install ---

func TestInstallWritesNotifyUnit(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	mockSystemctl(t)
	mockExecutable(t, "/usr/bin/lst")

	if err := Install(Options{Out: io.Discard}); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	s := readUnit(t, tmpDir)
	for _, want := range []string{
		"Type=notify",
		"ExecStart=/usr/bin/lst\n",
		"ExecReload=/usr/bin/lst --reload",
		"WantedBy=graphical-session.target",
		"PartOf=graphical-session.target",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("unit missing %q:\n%s", want, s)
		}
	}
}

func TestInstallCustomConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	mockSystemctl(t)
	mockExecutable(t, "/opt/my tools/lst")

	if err := Install(Options{ConfigPath: "/etc/lst/config.yaml", Out: io.Discard}); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	s := readUnit(t, tmpDir)
	want := `ExecStart="/opt/my tools/lst" --config /etc/lst/config.yaml`
	if !strings.Contains(s, want) {
		t.Errorf("unit missing %q:\n%s", want, s)
	}
}

func TestInstallSystemctlCalls(t *testing.T) {
	tests := []struct {
		name  string
		start bool
		want  []string
	}{
		{"enable only", false, []string{"daemon-reload", "enable " + unitFileName}},
		{"enable and start", true, []string{"daemon-reload", "enable " + unitFileName, "start " + unitFileName}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("XDG_CONFIG_HOME", t.TempDir())
			calls := mockSystemctl(t)
			mockExecutable(t, "/usr/bin/lst")

			if err := Install(Options{Start: tt.start, Out: io.Discard}); err != nil {
				t.Fatalf("Install() error: %v", err)
			}
			if !slices.Equal(*calls, tt.want) {
				t.Errorf("systemctl calls = %v, want %v", *calls, tt.want)
			}
		})
	}
}

// --- uninstall ---

func TestUninstall(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	dir := filepath.Join(tmpDir, "systemd", "user")
	os.MkdirAll(dir, 0755)
	unitPath := filepath.Join(dir, unitFileName)
	os.WriteFile(unitPath, []byte("fake"), 0644)

	calls := mockSystemctl(t)

	if err := Uninstall(io.Discard); err != nil {
		t.Fatalf("Uninstall() error: %v", err)
	}

	if _, err := os.Stat(unitPath); !os.IsNotExist(err) {
		t.Error("unit file should have been removed")
	}

	want := []string{"stop " + unitFileName, "disable " + unitFileName, "daemon-reload"}
	if !slices.Equal(*calls, want) {
		t.Errorf("systemctl calls = %v, want %v", *calls, want)
	}
}

// --- UnitPath ---

func TestUnitPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	p, err := UnitPath()
	if err != nil {
		t.Fatalf("UnitPath() error: %v", err)
	}

	want := filepath.Join(tmpDir, "systemd", "user", unitFileName)
	if p != want {
		t.Errorf("UnitPath() = %q, want %q", p, want)
	}
}
