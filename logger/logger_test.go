package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"

	"powfaucet/config"
)

func TestOutputFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		expectedString string
	}{
		{
			name:           "text format",
			format:         "text",
			expectedString: "level=INFO msg=\"session started\"",
		},
		{
			name:           "json format",
			format:         "json",
			expectedString: `"msg":"session started"`,
		},
		{
			name:           "color format falls back to text off-terminal",
			format:         "color",
			expectedString: "level=INFO msg=\"session started\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := New(Config{
				Level:  "info",
				Format: tt.format,
				Output: buf,
			})

			l.Info("session started")

			if !strings.Contains(buf.String(), tt.expectedString) {
				t.Errorf("Output format %q doesn't contain %q\nGot: %s",
					tt.format, tt.expectedString, buf.String())
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		level        string
		logFunc      func(*slog.Logger)
		shouldAppear bool
		marker       string
	}{
		{"info level shows info", "info", func(l *slog.Logger) { l.Info("info message") }, true, "info message"},
		{"info level hides debug", "info", func(l *slog.Logger) { l.Debug("debug message") }, false, "debug message"},
		{"warn level hides info", "warn", func(l *slog.Logger) { l.Info("info message") }, false, "info message"},
		{"error level shows errors", "error", func(l *slog.Logger) { l.Error("error message") }, true, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := New(Config{Level: tt.level, Format: "text", Output: buf})
			tt.logFunc(l)

			contains := strings.Contains(buf.String(), tt.marker)
			if tt.shouldAppear != contains {
				t.Errorf("message %q appeared=%v, want %v\nGot: %s", tt.marker, contains, tt.shouldAppear, buf.String())
			}
		})
	}
}

func TestLevelParsing(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected slog.Level
	}{
		{"debug level", Config{Level: "debug"}, slog.LevelDebug},
		{"info level", Config{Level: "info"}, slog.LevelInfo},
		{"warn level", Config{Level: "warn"}, slog.LevelWarn},
		{"warning level", Config{Level: "WARNING"}, slog.LevelWarn},
		{"error level", Config{Level: "error"}, slog.LevelError},
		{"verbose overrides", Config{Level: "error", Verbose: true}, slog.LevelDebug},
		{"quiet overrides", Config{Level: "debug", Quiet: true}, slog.LevelError},
		{"verbose wins over quiet", Config{Quiet: true, Verbose: true}, slog.LevelDebug},
		{"invalid defaults to info", Config{Level: "invalid"}, slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if level := parseLevel(tt.cfg); level != tt.expected {
				t.Errorf("parseLevel() = %v, want %v", level, tt.expected)
			}
		})
	}
}

func TestContextPropagation(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{Level: "debug", Format: "text", Output: buf})

	ctx := WithLogger(context.Background(), l)
	if FromContext(ctx) != l {
		t.Error("Retrieved logger doesn't match stored logger")
	}

	InfoContext(ctx, "info context")
	WarnContext(ctx, "warn context")
	ErrorContext(ctx, "error context")
	DebugContext(ctx, "debug context")

	for _, msg := range []string{"info context", "warn context", "error context", "debug context"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("Context-aware logging didn't log %q\nGot: %s", msg, buf.String())
		}
	}
}

func TestContextFallback(t *testing.T) {
	SetDefault()
	if FromContext(context.Background()) == nil {
		t.Error("FromContext returned nil when falling back to global")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	buf := &bytes.Buffer{}
	Set(New(Config{Level: "debug", Format: "text", Output: buf}))
	defer SetDefault()

	Info("info message")
	Warn("warn message")
	Error("error message")
	Debug("debug message")

	for _, msg := range []string{"info message", "warn message", "error message", "debug message"} {
		if !strings.Contains(buf.String(), msg) {
			t.Errorf("Global logging function didn't log %q\nGot: %s", msg, buf.String())
		}
	}
}

func TestComponentLoggers(t *testing.T) {
	buf := &bytes.Buffer{}
	Set(New(Config{Level: "info", Format: "text", Output: buf}))
	defer SetDefault()

	For("controller").Info("transition")
	if !strings.Contains(buf.String(), "component=controller") {
		t.Errorf("Expected component attribute\nGot: %s", buf.String())
	}

	buf.Reset()
	explicit := New(Config{Level: "info", Format: "text", Output: buf})
	OrDefault(explicit, "session").Info("update")
	if !strings.Contains(buf.String(), "component=session") {
		t.Errorf("Expected component attribute on explicit logger\nGot: %s", buf.String())
	}
}

func TestThreadSafety(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			Get()
		}()
		go func() {
			defer wg.Done()
			Set(New(Config{Level: "info", Format: "text", Output: &bytes.Buffer{}}))
		}()
	}
	wg.Wait()
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	buf := &bytes.Buffer{}
	l := slog.New(NewColorHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l.With(ComponentKey, "miner").WithGroup("pool").Info("share found", "nonces", 4)
	l.Debug("hidden")

	out := buf.String()
	for _, want := range []string{"INFO", "[miner]", "share found", "pool.nonces=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("Color output missing %q\nGot: %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug record should be filtered\nGot: %s", out)
	}
}

func TestNewFromConfigs(t *testing.T) {
	client := &config.ClientConfig{Logging: config.LoggingConfig{Level: "info", Format: "text"}}
	if NewFromClientConfig(client) == nil {
		t.Error("NewFromClientConfig returned nil")
	}

	server := &config.ServerConfig{Logging: config.LoggingConfig{Level: "debug", Format: "json", Verbose: true}}
	if NewFromServerConfig(server) == nil {
		t.Error("NewFromServerConfig returned nil")
	}
}

func TestApplyLevelReload(t *testing.T) {
	buf := &bytes.Buffer{}
	l := fromLogging(config.LoggingConfig{Level: "info", Format: "text"}, buf)
	t.Cleanup(func() { ApplyLevel(config.LoggingConfig{Level: "info"}) })

	l.Debug("before reload")
	if strings.Contains(buf.String(), "before reload") {
		t.Fatalf("Debug record logged at info level\nGot: %s", buf.String())
	}

	if got := ApplyLevel(config.LoggingConfig{Level: "debug"}); got != slog.LevelDebug {
		t.Errorf("ApplyLevel() = %v, want debug", got)
	}
	l.With(ComponentKey, "client").Debug("after reload")
	if !strings.Contains(buf.String(), "after reload") {
		t.Errorf("Existing logger ignored the new level\nGot: %s", buf.String())
	}

	ApplyLevel(config.LoggingConfig{Level: "debug", Quiet: true})
	buf.Reset()
	l.Warn("quiet")
	if buf.Len() != 0 {
		t.Errorf("Quiet should suppress warnings\nGot: %s", buf.String())
	}
}
