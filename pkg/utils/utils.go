package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologConsoleWriter returns a console writer for zerolog
func ZerologConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
