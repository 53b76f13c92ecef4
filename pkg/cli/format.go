// Package cli provides shared formatting helpers for the fibsync CLI.
package cli

import (
	"os"
	"sort"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

const reset = "\033[0m"

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + reset
}

// Green is used for successful table operations.
func Green(s string) string { return paint("\033[32m", s) }

// Yellow is used for dry-run audit entries.
func Yellow(s string) string { return paint("\033[33m", s) }

// Red is used for failed table operations.
func Red(s string) string { return paint("\033[31m", s) }

func Bold(s string) string { return paint("\033[1m", s) }

func Dim(s string) string { return paint("\033[2m", s) }

// Fields formats a table entry's fields as sorted key=value pairs.
func Fields(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, " ")
}

// Result renders an operation outcome: green "ok" or the error in red.
func Result(err error) string {
	if err == nil {
		return Green("ok")
	}
	return Red(err.Error())
}
