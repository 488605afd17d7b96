// Package logging provides the leveled logger shared by the client and server.
//
// Output goes through pterm's default logger (stderr, time-stamped). Per-datagram
// traffic is logged at debug level so a 60 Hz tick stays quiet unless debug is on.
package logging

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

func Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug turns on debug-level output (per-datagram logs).
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug output is on, so hot paths can skip
// formatting entirely.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl == pterm.LogLevelDebug || lvl == pterm.LogLevelTrace
}

// Banner prints the start-up banner.
func Banner(lines ...string) {
	pterm.Println()
	for _, l := range lines {
		pterm.Info.Println(l)
	}
	pterm.Println()
}
