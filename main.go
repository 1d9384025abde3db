// lst is the service core of a desktop shell: notifications, tray, media
// players and screen recording over the session bus, controlled through a
// single running instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/linkfrg/lst/internal/app"
	"github.com/linkfrg/lst/internal/cli"
	"github.com/linkfrg/lst/internal/config"
	"github.com/linkfrg/lst/internal/logging"
	"github.com/linkfrg/lst/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) > 1 && os.Args[1] == "service" {
		runService(os.Args[2:])
		return
	}
	os.Exit(run(os.Args[1:]))
}

// options holds the parsed command line.
type options struct {
	configPath  string
	open        string
	close       string
	toggle      string
	runPython   string
	runFile     string
	listWindows bool
	inspector   bool
	reload      bool
	quit        bool
	version     bool
	json        bool
	logLevel    string
	logFormat   string
}

// controlFlags are the flags that talk to a running instance.
var controlFlags = []string{"open", "close", "toggle", "run-python", "run-file", "list-windows", "inspector", "reload", "quit"}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	o := &options{}
	fs := pflag.NewFlagSet(progName, pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/lst/config.yaml)")
	fs.StringVar(&o.open, "open", "", "Open the window `NAME` in the running instance")
	fs.StringVar(&o.close, "close", "", "Close the window `NAME` in the running instance")
	fs.StringVar(&o.toggle, "toggle", "", "Toggle the window `NAME` in the running instance")
	fs.StringVar(&o.runPython, "run-python", "", "Evaluate `CODE` in the running instance")
	fs.StringVar(&o.runFile, "run-file", "", "Evaluate the script at `PATH` in the running instance")
	fs.BoolVar(&o.listWindows, "list-windows", false, "List the windows of the running instance")
	fs.BoolVar(&o.inspector, "inspector", false, "Toggle debug logging in the running instance")
	fs.BoolVar(&o.reload, "reload", false, "Restart the running instance")
	fs.BoolVar(&o.quit, "quit", false, "Stop the running instance")
	fs.BoolVar(&o.version, "version", false, "Print the version and exit")
	fs.BoolVar(&o.json, "json", false, "Output control results as JSON")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format (text, json)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n       %s service install|uninstall|status\n\nOptions:\n", progName, progName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if fs.NArg() > 0 {
		return nil, fs, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return o, fs, nil
}

// action returns the single control flag given, or "" for none.
func action(fs *pflag.FlagSet) (string, error) {
	var found string
	for _, name := range controlFlags {
		if !fs.Changed(name) {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("--%s and --%s cannot be combined", found, name)
		}
		found = name
	}
	return found, nil
}

func run(args []string) int {
	opts, fs, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if opts.version {
		fmt.Printf("%s %s\n", progName, version)
		return 0
	}
	act, err := action(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Flags override the config file only when given explicitly.
	if fs.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = opts.logLevel
	}
	if fs.Changed("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat = opts.logFormat
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	client, err := cli.Dial("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	running, err := client.Running(ctx)
	if err != nil {
		client.Close()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if running {
		defer client.Close()
		if act == "" {
			fmt.Fprintf(os.Stderr, "%s is already running\n", progName)
			return 1
		}
		return control(ctx, client, act, opts)
	}
	client.Close()

	if act != "" {
		fmt.Fprintf(os.Stderr, "%s is not running\n", progName)
		return 1
	}
	return serve(cfg, configPath)
}

// control performs one call against the running instance.
func control(ctx context.Context, c *cli.Client, act string, o *options) int {
	out := cli.NewFormatter(os.Stdout, o.json)

	var err error
	switch act {
	case "open":
		err = c.OpenWindow(ctx, o.open)
	case "close":
		err = c.CloseWindow(ctx, o.close)
	case "toggle":
		var visible bool
		if visible, err = c.ToggleWindow(ctx, o.toggle); err == nil {
			return exitCode(out.FormatToggle(o.toggle, visible))
		}
	case "list-windows":
		var names []string
		if names, err = c.ListWindows(ctx); err == nil {
			return exitCode(out.FormatWindows(names))
		}
	case "run-python":
		err = c.RunPython(ctx, o.runPython)
	case "run-file":
		err = c.RunFile(ctx, o.runFile)
	case "inspector":
		err = c.Inspector(ctx)
	case "reload":
		err = c.Reload(ctx)
	case "quit":
		err = c.Quit(ctx)
	}

	if err != nil {
		errOut := out
		if !o.json {
			errOut = cli.NewFormatter(os.Stderr, false)
		}
		errOut.FormatError(act, err) //nolint:errcheck
		return 1
	}
	return exitCode(out.FormatAction(act))
}

func exitCode(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// serve runs the shell until it is told to quit or receives a signal.
func serve(cfg *config.Config, configPath string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	c, err := app.New(app.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Version:    version,
		Args:       os.Args,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, app.ErrAlreadyRunning) {
			fmt.Fprintf(os.Stderr, "%s is already running\n", progName)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall":
		if err := service.Uninstall(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		service.Status()
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := pflag.NewFlagSet("service install", pflag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	configPath := fs.StringP("config", "c", "", "Config file path to embed in the unit file")
	fs.Parse(args) //nolint:errcheck

	if err := service.Install(service.Options{
		ConfigPath: *configPath,
		Start:      *start,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd user service
  uninstall     Stop, disable, and remove the systemd user service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}
