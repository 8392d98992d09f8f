package cli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/jamespo/check-mailrelay/internal/config"
	"github.com/jamespo/check-mailrelay/internal/imap"
	"github.com/jamespo/check-mailrelay/internal/output"
)

// Version is reported by --version.
var Version = "0.1.0"

// DebugEnv enables debug output when set to any non-empty value.
const DebugEnv = "CMRDEBUG"

// Exit statuses.
const (
	ExitFound    = 0
	ExitNotFound = 1
	ExitFailed   = 2
)

// ErrNotFound is returned when the check ran cleanly but no message carried
// the tag.
var ErrNotFound = errors.New("no message with tag found")

// CLI is the single root command: check one account for a tagged message.
type CLI struct {
	Account     string           `help:"Account section in the config file" short:"a" default:"default"`
	Tag         string           `help:"Subject tag to search for" short:"t" default:"JP-RELAY-TEST"`
	Config      string           `help:"Path to config file" short:"c" type:"path"`
	Timeout     time.Duration    `help:"Timeout for each network step" default:"10s"`
	JSON        bool             `help:"Output as JSON" name:"json"`
	Quiet       bool             `help:"Suppress output, rely on the exit status" short:"q"`
	Debug       bool             `help:"Print diagnostics (also enabled by CMRDEBUG)" short:"d"`
	Trace       bool             `help:"Dump the raw IMAP exchange to stderr, credentials included"`
	SetPassword bool             `help:"Prompt for the account password and store it in the system keyring" name:"set-password"`
	Version     kong.VersionFlag `help:"Show version information"`
}

// Context carries what Run needs besides the flags.
type Context struct {
	Formatter *output.Formatter
	Logger    *zap.Logger
	// Trace receives the raw protocol exchange when non-nil.
	Trace io.Writer
}

// NewContext builds the formatter and logger. Debug mode is on with -d or a
// non-empty CMRDEBUG.
func NewContext(c *CLI) (*Context, error) {
	debug := c.Debug || os.Getenv(DebugEnv) != ""
	noColor := os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd()))

	ctx := &Context{
		Formatter: output.New(c.JSON, debug, c.Quiet, noColor),
		Logger:    zap.NewNop(),
	}

	if debug {
		logger, err := zap.NewDevelopmentConfig().Build()
		if err != nil {
			return nil, err
		}
		ctx.Logger = logger.Named(config.AppName)
	}
	if c.Trace {
		ctx.Trace = os.Stderr
	}
	return ctx, nil
}

// ExitCode maps the outcome of Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitFound
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	default:
		return ExitFailed
	}
}

// Reported reports whether err has already been shown to the user by Run.
func Reported(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// sessionOptions builds the mail session options for this invocation.
func (c *CLI) sessionOptions(ctx *Context) *imap.Options {
	return &imap.Options{
		Timeout:     c.Timeout,
		Logger:      ctx.Logger,
		DebugWriter: ctx.Trace,
	}
}
