package signalr

import "go.uber.org/zap"

// Logger is the telemetry sink every long-lived component in this
// package accepts as an option, rather than reaching for a process-wide
// singleton (§9 design notes: "injected telemetry sink... not a
// process-wide singleton, to allow test isolation").
type Logger = *zap.Logger

// nopLogger is the default when no Logger option is supplied.
func nopLogger() Logger { return zap.NewNop() }
