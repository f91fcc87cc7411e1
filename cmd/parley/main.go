// ABOUTME: Entry point for the parley demo CLI
// ABOUTME: Runs an interactive chat session against a parley-compatible reply service

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/attachment"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/replyhttp"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

// getConfigPath returns the path to the parley config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/parley.yaml > ~/.config/parley/parley.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "parley.yaml")
}

func main() {
	cmd := "chat"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "chat":
		err = runChat(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(os.Stderr, "Usage: parley [chat|version]")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Service:   %s\n", cfg.Service.BaseURL)
	if cfg.Persistence.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Sessions:  %s\n", cfg.Persistence.Path)
	}
	fmt.Println()

	httpClient := &http.Client{}
	if cfg.Service.Timeout > 0 && !cfg.Chat.Streaming {
		httpClient.Timeout = cfg.Service.Timeout
	}
	client := replyhttp.NewClient(cfg.Service.BaseURL, httpClient, logger)

	var kv store.KV
	if cfg.Persistence.Path != "" {
		sqliteKV, err := store.NewSQLiteKV(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		defer sqliteKV.Close()
		kv = sqliteKV
	}

	reg := registry.NewRegistry(logger)

	eng, err := engine.New(engine.Options{
		BotID:     cfg.Identity.BotID,
		CustomID:  cfg.Identity.CustomID,
		ContextID: cfg.Identity.ContextID,
		Greeting:  cfg.Chat.Greeting,
		Streaming: cfg.Chat.Streaming,
		Service:   client,
		Starter:   client,
		Uploader:  client,
		KV:        kv,
		Registry:  reg,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer eng.Shutdown()

	printer := newChatPrinter(eng)
	eng.OnChange(printer.handle)
	printer.printTranscript()

	fmt.Println(gray.Sprint("Type a message, or /clear, /upload <path>, /quit."))
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(color.GreenString("you> "))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/clear":
			eng.Clear()
			continue
		case strings.HasPrefix(line, "/upload "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/upload "))
			if err := uploadFile(ctx, eng, path); err != nil {
				fmt.Println(color.RedString("upload failed: %v", err))
			}
			continue
		}

		eng.Ask(line, true)
		printer.waitForReply(ctx)
	}
}

func uploadFile(ctx context.Context, eng *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	mimeType := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mimeType = "image/png"
	case ".jpg", ".jpeg":
		mimeType = "image/jpeg"
	case ".gif":
		mimeType = "image/gif"
	case ".pdf":
		mimeType = "application/pdf"
	case ".txt", ".md":
		mimeType = "text/plain"
	}

	return eng.UploadFile(ctx, attachment.File{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     info.Size(),
		Reader:   f,
	})
}

// chatPrinter renders engine events to the terminal.
type chatPrinter struct {
	eng *engine.Engine

	mu      sync.Mutex
	printed int
	settled chan struct{}
}

func newChatPrinter(eng *engine.Engine) *chatPrinter {
	return &chatPrinter{eng: eng, settled: make(chan struct{}, 1)}
}

func (p *chatPrinter) handle(ev engine.Event) {
	switch ev.Kind {
	case engine.EventError:
		fmt.Println(color.RedString("\nerror: %s", ev.Message))
	case engine.EventTranscript:
		if !p.eng.Busy() {
			select {
			case p.settled <- struct{}{}:
			default:
			}
		}
	}
}

// waitForReply blocks until the in-flight turn reaches a terminal state,
// then prints whatever the transcript gained.
func (p *chatPrinter) waitForReply(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.settled:
			p.printTranscript()
			return
		case <-ticker.C:
			// Covers turns rejected before any transcript event fired.
			if !p.eng.Busy() {
				p.printTranscript()
				return
			}
		}
	}
}

// printTranscript prints messages not yet shown.
func (p *chatPrinter) printTranscript() {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := p.eng.Snapshot().Messages
	for ; p.printed < len(msgs); p.printed++ {
		msg := msgs[p.printed]
		if msg.Pending() {
			continue
		}
		switch msg.Role {
		case session.RoleAssistant:
			fmt.Printf("%s %s\n", color.CyanString("bot>"), msg.Text())
		case session.RoleSystem:
			fmt.Println(color.YellowString("sys> %s", msg.Text()))
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
