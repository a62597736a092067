package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Modules used across the register mediator. Each is independently
// enabled/disabled so a client can turn on, say, fault-rewrite tracing
// without drowning in per-instruction liveness chatter.
const (
	Liveness    = "liveness"  // backward/forward liveness scans
	Reservation = "reserve"   // Reserver decisions
	Flags       = "flags"     // FlagsEngine state machine
	Spill       = "spill"     // SpillEmitter emission
	Insertion   = "insert"    // InsertionDriver per-instruction hooks
	Fault       = "fault"     // FaultRewriter decode/replay
	SlotStoreMod = "slots"    // SlotStore allocation/release
	Lifecycle   = "lifecycle" // init/exit, thread attach/detach
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
	for _, m := range defaultKnownModules {
		moduleEnabled[m] = false
	}
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// InitLogger installs a terminal logger at the given level, e.g. "debug".
func InitLogger(logLevel string) {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: invalid level %q: %v\n", logLevel, err)
		os.Exit(1)
	}
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

func SetDefault(l Logger) { root.Store(l) }

func Root() Logger { return root.Load().(Logger) }

var defaultKnownModules = []string{Liveness, Reservation, Flags, Spill, Insertion, Fault, SlotStoreMod, Lifecycle}

var moduleEnabled = map[string]bool{}

func EnableModule(module string)  { moduleEnabled[module] = true }
func DisableModule(module string) { moduleEnabled[module] = false }

// EnableModules enables a comma-separated module list, e.g. "flags,fault".
func EnableModules(csv string) {
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool {
	enabled, ok := moduleEnabled[module]
	return ok && enabled
}

// Trace and Debug are module-gated: they are silent unless EnableModule(module) was called.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelDebug, module, msg, ctx...)
}

// Info, Warn, Error, Crit always emit regardless of module gating.
func Info(module string, msg string, ctx ...interface{})  { Root().Write(LevelInfo, module, msg, ctx...) }
func Warn(module string, msg string, ctx ...interface{})  { Root().Write(LevelWarn, module, msg, ctx...) }
func Error(module string, msg string, ctx ...interface{}) { Root().Write(LevelError, module, msg, ctx...) }
func Crit(module string, msg string, ctx ...interface{})  { Root().Crit(module, msg, ctx...) }

func New(ctx ...interface{}) Logger { return Root().With(ctx...) }
