// ABOUTME: Entry point for coven-swarm, the span-log agent coordination engine
// ABOUTME: Subcommands serve the swarm, emit and tail spans, and query a running server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/builtins"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/emitter"
	"github.com/2389/coven-swarm/internal/eventlog"
	"github.com/2389/coven-swarm/internal/gateway"
	"github.com/2389/coven-swarm/internal/span"
	"github.com/2389/coven-swarm/internal/tailer"
)

// Overridden with -ldflags "-X main.version=..." at release time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _____      ____ _ _ __ _ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____/ __\ \ /\ / / _' | '__| '_ ' _ \
| (_| (_) \ V /  __/ | | |_____\__ \\ V  V / (_| | |  | | | | | |
 \___\___/ \_/ \___|_| |_|     |___/ \_/\_/ \__,_|_|  |_| |_| |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "coven-swarm",
		Short:         "agents that coordinate through a shared span log",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (env: COVEN_SWARM_CONFIG, default $XDG_CONFIG_HOME/coven/swarm.yaml)")

	resolvePath := func() string {
		if configPath != "" {
			return configPath
		}
		return config.DefaultPath()
	}

	rootCmd.AddCommand(
		newServeCmd(resolvePath),
		newEmitCmd(resolvePath),
		newTailCmd(resolvePath),
		newAgentsCmd(resolvePath),
		newHealthCmd(resolvePath),
		newPacksCmd(),
		newInitCmd(resolvePath),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the configured agents against the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()

			cyan := color.New(color.FgCyan)
			cyan.Print(banner)
			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging, os.Stderr)

			green := color.New(color.FgGreen)
			green.Print("    ▶ ")
			fmt.Printf("Config:  %s\n", path)
			green.Print("    ▶ ")
			fmt.Printf("Log:     %s", cfg.Log.Backend)
			if cfg.Log.Path != "" {
				gray.Printf(" (%s)", cfg.Log.Path)
			}
			fmt.Println()
			green.Print("    ▶ ")
			fmt.Printf("Mode:    %s\n", cfg.Runtime.Mode)
			green.Print("    ▶ ")
			fmt.Printf("Agents:  ")
			for i, a := range cfg.Agents {
				if i > 0 {
					fmt.Print(", ")
				}
				cyan.Print(a.Name)
				if a.Name != a.Kind {
					gray.Printf(" [%s]", a.Kind)
				}
			}
			fmt.Println()
			if cfg.Server.HTTPAddr != "" {
				green.Print("    ▶ ")
				fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
			}
			fmt.Println()

			if len(cfg.Agents) == 0 {
				logger.Warn("no agents configured")
			}
			logger.Info("starting coven-swarm",
				"config", path,
				"backend", cfg.Log.Backend,
				"agents", len(cfg.Agents),
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

// parseAttributes turns key=value arguments into span attributes. Values that
// parse as numbers or booleans keep that type; a,b,c becomes an array.
func parseAttributes(args []string) (map[string]any, error) {
	attrs := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", arg)
		}
		attrs[key] = parseValue(value)
	}
	return attrs, nil
}

func parseValue(v string) any {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if v == "true" || v == "false" {
		return v == "true"
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out
	}
	return v
}

func newEmitCmd(configPath func() string) *cobra.Command {
	var traceID, parentID, spanID string

	cmd := &cobra.Command{
		Use:   "emit <name> [key=value ...]",
		Short: "append one span to the event log",
		Long: `Appends a span directly to the configured event log. Comma separated
values become arrays; numbers and true/false keep their type.

Examples:
  coven-swarm emit swarmsh.ping.request
  coven-swarm emit swarmsh.roberts.call_vote motion_id=m-7
  coven-swarm emit swarmsh.scrum.sprint_review defect_rate=4.5 --trace 4bf92f35`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			if cfg.Log.Backend == config.BackendMemory {
				return errors.New("emit needs a persistent log backend (file or sqlite)")
			}
			attrs, err := parseAttributes(args[1:])
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging, os.Stderr)
			log, err := gateway.OpenLog(cfg.Log, logger)
			if err != nil {
				return err
			}
			defer log.Close()

			e := emitter.New(log, emitter.Options{
				Retries:    cfg.Emitter.Retries,
				Backoff:    cfg.Emitter.Backoff,
				MaxBackoff: cfg.Emitter.MaxBackoff,
				Logger:     logger,
			})
			s := e.Build(nil, args[0], attrs)
			if traceID != "" {
				s.TraceID = traceID
			}
			if spanID != "" {
				s.SpanID = spanID
			}
			s.ParentSpanID = parentID

			offset, err := e.Append(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s trace=%s offset=%d\n", color.GreenString("appended"), s.SpanID, s.TraceID, offset)
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id (default: new trace)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent span id")
	cmd.Flags().StringVar(&spanID, "span-id", "", "span id (default: random)")
	return cmd
}

func newTailCmd(configPath func() string) *cobra.Command {
	var (
		from   string
		follow bool
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "print spans from the event log as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			start, err := parseStart(from)
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging, os.Stderr)
			log, err := gateway.OpenLog(cfg.Log, logger)
			if err != nil {
				return err
			}
			defer log.Close()

			opts := tailOptions{
				start:  start,
				follow: follow,
				prefix: prefix,
				poll:   cfg.Runtime.PollInterval,
				out:    cmd.OutOrStdout(),
			}
			if follow {
				opts.notifier = followNotifier(log, cfg.Runtime.PollInterval, logger)
			}
			return tailLog(cmd.Context(), log, opts)
		},
	}
	cmd.Flags().StringVar(&from, "from", "beginning", "start offset, beginning or end")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep waiting for new spans")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only print spans whose name has this prefix")
	return cmd
}

func parseStart(from string) (int64, error) {
	switch from {
	case "", "beginning":
		return tailer.StartBeginning, nil
	case "end":
		return tailer.StartEnd, nil
	}
	n, err := strconv.ParseInt(from, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("--from must be beginning, end or a non-negative offset, got %q", from)
	}
	return n, nil
}

type tailOptions struct {
	start    int64
	follow   bool
	prefix   string
	poll     time.Duration
	out      io.Writer
	notifier tailer.Notifier
}

// tailLog prints records until the log is drained or, with follow, until ctx ends.
func tailLog(ctx context.Context, log eventlog.Log, opts tailOptions) error {
	t := tailer.New(log, tailer.Options{Start: opts.start})
	n := opts.notifier
	if n == nil {
		n = tailer.NewInterval(opts.poll)
	}
	if c, ok := n.(io.Closer); ok {
		defer c.Close()
	}

	for {
		records, err := t.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, rec := range records {
			if opts.prefix != "" && !strings.HasPrefix(rec.Span.Name, opts.prefix) {
				continue
			}
			line, err := span.Encode(rec.Span)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(opts.out, "%s\n", line); err != nil {
				return err
			}
		}
		if len(records) == 0 && !opts.follow {
			return nil
		}
		if len(records) > 0 {
			continue
		}
		if err := n.Wait(ctx); err != nil {
			return nil
		}
	}
}

// followNotifier prefers fsnotify for file logs; other backends are polled
// since appends from another process are never broadcast here.
func followNotifier(log eventlog.Log, poll time.Duration, logger *slog.Logger) tailer.Notifier {
	fl, ok := log.(*eventlog.FileLog)
	if !ok {
		return tailer.NewInterval(poll)
	}
	fw, err := tailer.NewFileWatch(fl.Path(), poll*10, logger)
	if err != nil {
		logger.Warn("file watch unavailable, polling instead", "error", err)
		return tailer.NewInterval(poll)
	}
	return fw
}

func serverURL(cfg *config.Config, path string) (string, error) {
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is not configured")
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr + path, nil
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func newHealthCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "check that a running server is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			url, err := serverURL(cfg, "/health")
			if err != nil {
				return err
			}
			if _, err := httpGet(cmd.Context(), url); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

func newAgentsCmd(configPath func() string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "show the status of every agent on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			url, err := serverURL(cfg, "/status")
			if err != nil {
				return err
			}
			body, err := httpGet(cmd.Context(), url)
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Println(string(body))
				return nil
			}

			var statuses []agent.Status
			if err := json.Unmarshal(body, &statuses); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func printStatuses(w io.Writer, statuses []agent.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "no agents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tRUNNING\tCURSOR\tPROCESSED\tREJECTED\tFAILED")
	for _, s := range statuses {
		running := color.RedString("no")
		if s.Running {
			running = color.GreenString("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Name, s.Kind, s.State, running, s.Cursor,
			s.Counters[agent.CounterProcessed],
			s.Counters[agent.CounterInvalidTransition],
			s.Counters[agent.CounterActionFailed]+s.Counters[agent.CounterHandlerError],
		)
	}
	_ = tw.Flush()
}

func newPacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packs",
		Short: "list the built-in agent kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tFILTER\tSTATES\tDESCRIPTION")
			for _, p := range builtins.Packs() {
				def := p.Factory()
				states := make([]string, len(def.States))
				for i, s := range def.States {
					states[i] = string(s)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Kind, def.Filter, strings.Join(states, ","), p.Description)
			}
			return tw.Flush()
		},
	}
}

const sampleConfig = `# coven-swarm configuration
log:
  backend: file
  path: "%s"

runtime:
  mode: filewatch
  poll_interval: "200ms"
  action_grace: "5s"
  emit_transitions: true

actions:
  timeout: "30s"

agents:
  - kind: ping
  - kind: roberts
  - kind: scrum
  - kind: lean

server:
  http_addr: "127.0.0.1:8480"

logging:
  level: info
  format: text
`

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func newInitCmd(configPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "write a starter config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}
			logPath := filepath.Join(getDataPath(), "swarm", "spans.jsonl")
			if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(fmt.Sprintf(sampleConfig, logPath)), 0644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			color.New(color.FgGreen).Print("✓ ")
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
