// Package commands implements the integraudit CLI commands.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/catherinevee/integraudit/internal/apperrors"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.FgCyan, color.Bold)
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// exitCodeFor maps an error to the documented exit codes: 2 for
// configuration or ingest problems, 1 for everything else.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindConfiguration, apperrors.KindIngest:
		return exitConfig
	default:
		return exitFailed
	}
}

// argParser walks a flag list of the form --name [value].
type argParser struct {
	args []string
	pos  int
	err  error
}

func newArgParser(args []string) *argParser {
	return &argParser{args: args}
}

func (p *argParser) next() (string, bool) {
	if p.pos >= len(p.args) {
		return "", false
	}
	arg := p.args[p.pos]
	p.pos++
	return arg, true
}

// value returns the argument following a flag.
func (p *argParser) value(flag string) string {
	if p.pos >= len(p.args) || strings.HasPrefix(p.args[p.pos], "--") {
		p.err = fmt.Errorf("flag %s requires a value", flag)
		return ""
	}
	v := p.args[p.pos]
	p.pos++
	return v
}

func (p *argParser) intValue(flag string) int {
	v := p.value(flag)
	if p.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("flag %s requires an integer, got %q", flag, v)
		return 0
	}
	return n
}

func (p *argParser) floatValue(flag string) float64 {
	v := p.value(flag)
	if p.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("flag %s requires a number, got %q", flag, v)
		return 0
	}
	return f
}

func splitCommaList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func printError(err error) {
	errorColor.Fprintf(os.Stderr, "Error: ")
	fmt.Fprintln(os.Stderr, err.Error())
}

// defaultStatePath is the per-user state database location.
func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".integraudit", "state.db")
	}
	return filepath.Join(home, ".integraudit", "state.db")
}
