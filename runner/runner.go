package runner

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/connkeeper/connkeeper/pkg/encryption"
	"github.com/connkeeper/connkeeper/tlmt"
	"github.com/connkeeper/connkeeper/tlmt/gonoop"
	"github.com/connkeeper/connkeeper/tlmt/goposthog"
)

const (
	RunModeDaemon = iota + 1
	RunModeMonitor
	RunModeScheduler
	RunModeMigrate
)

const (
	StorePostgres = "postgres"
	StoreSqlite   = "sqlite"
	StoreMemory   = "memory"
)

var (
	ErrInvalidRunMode = errors.New("invalid run mode")
)

type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

type Config struct {
	Dsn             string
	Store           string
	DataFolder      string
	MonitorInterval time.Duration
	RenewalWindow   time.Duration
	TokenLifetime   time.Duration
	ProbeTimeout    time.Duration
	JobDelay        time.Duration
	JobTimeout      time.Duration
	Debug           bool
	RunMode         int
	EncryptionKey   []byte
	SheetsToken     string
}

func ParseConfig() *Config {
	cfg := Config{}

	var (
		monitorOnly   bool
		schedulerOnly bool
		migrateOnly   bool
	)

	flag.StringVar(&cfg.Dsn, "dsn", "", "postgres connection string [default: empty, uses local sqlite store]")
	flag.StringVar(&cfg.Store, "store", "", "connection store: postgres, sqlite or memory [default: derived from dsn]")
	flag.StringVar(&cfg.DataFolder, "data-folder", "data", "data folder for the sqlite store")
	flag.DurationVar(&cfg.MonitorInterval, "monitor-interval", 5*time.Minute, "interval between expiry sweeps")
	flag.DurationVar(&cfg.RenewalWindow, "renewal-window", 24*time.Hour, "renew tokens expiring within this window")
	flag.DurationVar(&cfg.TokenLifetime, "token-lifetime", 72*time.Hour, "expiry assigned to renewed tokens")
	flag.DurationVar(&cfg.ProbeTimeout, "probe-timeout", 15*time.Second, "timeout for a single session probe")
	flag.DurationVar(&cfg.JobDelay, "job-delay", 5*time.Second, "delay between extraction jobs in one sweep")
	flag.DurationVar(&cfg.JobTimeout, "job-timeout", 2*time.Minute, "timeout for a single extraction job")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.BoolVar(&monitorOnly, "monitor-only", false, "run only the expiry monitor")
	flag.BoolVar(&schedulerOnly, "scheduler-only", false, "run only the extraction scheduler")
	flag.BoolVar(&migrateOnly, "migrate", false, "run database migrations and exit (requires dsn)")

	flag.Parse()

	cfg.EncryptionKey = parseEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
	cfg.SheetsToken = os.Getenv("SHEETS_ACCESS_TOKEN")

	if cfg.Store == "" {
		if cfg.Dsn != "" {
			cfg.Store = StorePostgres
		} else {
			cfg.Store = StoreSqlite
		}
	}

	switch cfg.Store {
	case StorePostgres, StoreSqlite, StoreMemory:
	default:
		panic("store must be one of: postgres, sqlite, memory")
	}

	if cfg.Store == StorePostgres && cfg.Dsn == "" {
		panic("dsn must be provided when using the postgres store")
	}

	if cfg.MonitorInterval <= 0 {
		panic("monitor-interval must be positive")
	}

	if cfg.RenewalWindow <= 0 {
		panic("renewal-window must be positive")
	}

	if cfg.TokenLifetime <= cfg.RenewalWindow {
		panic("token-lifetime must exceed renewal-window")
	}

	if monitorOnly && schedulerOnly {
		panic("monitor-only and scheduler-only are mutually exclusive")
	}

	switch {
	case migrateOnly:
		cfg.RunMode = RunModeMigrate
	case monitorOnly:
		cfg.RunMode = RunModeMonitor
	case schedulerOnly:
		cfg.RunMode = RunModeScheduler
	default:
		cfg.RunMode = RunModeDaemon
	}

	return &cfg
}

// parseEncryptionKey accepts the 32-byte AES key either raw or
// hex encoded. Anything else is a startup failure.
func parseEncryptionKey(val string) []byte {
	if val == "" {
		panic("ENCRYPTION_KEY must be set")
	}

	if len(val) == encryption.KeySize {
		return []byte(val)
	}

	key, err := hex.DecodeString(val)
	if err != nil || len(key) != encryption.KeySize {
		panic(fmt.Sprintf("ENCRYPTION_KEY must be %d bytes, raw or hex encoded", encryption.KeySize))
	}

	return key
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

func Telemetry() tlmt.Telemetry {
	telemetryOnce.Do(func() {
		disableTel := func() bool {
			return os.Getenv("DISABLE_TELEMETRY") == "1"
		}()

		if disableTel {
			telemetry = gonoop.New()

			return
		}

		val, err := goposthog.New("phc_Yt1HkmXVRTCzTgtUQUrhhFLKJOvHYVZbhNL0JBKxXBq", "https://eu.i.posthog.com")
		if err != nil || val == nil {
			telemetry = gonoop.New()

			return
		}

		telemetry = val
	})

	return telemetry
}

func wrapText(text string, width int) []string {
	var lines []string

	currentLine := ""
	currentWidth := 0

	for _, r := range text {
		runeWidth := runewidth.RuneWidth(r)
		if currentWidth+runeWidth > width {
			lines = append(lines, currentLine)
			currentLine = string(r)
			currentWidth = runeWidth
		} else {
			currentLine += string(r)
			currentWidth += runeWidth
		}
	}

	if currentLine != "" {
		lines = append(lines, currentLine)
	}

	return lines
}

func banner(messages []string, width int) string {
	if width <= 0 {
		var err error

		width, _, err = term.GetSize(0)
		if err != nil {
			width = 80
		}
	}

	if width < 20 {
		width = 20
	}

	contentWidth := width - 4

	var wrappedLines []string
	for _, message := range messages {
		wrappedLines = append(wrappedLines, wrapText(message, contentWidth)...)
	}

	var builder strings.Builder

	builder.WriteString("╔" + strings.Repeat("═", width-2) + "╗\n")

	for _, line := range wrappedLines {
		lineWidth := runewidth.StringWidth(line)
		paddingRight := contentWidth - lineWidth

		if paddingRight < 0 {
			paddingRight = 0
		}

		builder.WriteString(fmt.Sprintf("║ %s%s ║\n", line, strings.Repeat(" ", paddingRight)))
	}

	builder.WriteString("╚" + strings.Repeat("═", width-2) + "╝\n")

	return builder.String()
}

func Banner() {
	message1 := "🔗 connkeeper - wearable connection lifecycle daemon"
	message2 := "📖 Docs and source: https://github.com/connkeeper/connkeeper"

	fmt.Fprintln(os.Stderr, banner([]string{message1, message2}, 0))
}
