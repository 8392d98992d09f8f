package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/jamespo/check-mailrelay/internal/config"
	"github.com/jamespo/check-mailrelay/internal/imap"
	"github.com/jamespo/check-mailrelay/internal/output"
)

// mailSession is the part of *imap.Session the check drives.
type mailSession interface {
	Connect(ctx context.Context, acct *config.Account) error
	SearchSubject(ctx context.Context, folder, tag string) (*imap.SearchResult, error)
	Close()
	State() imap.State
}

var newSession = func(opts *imap.Options) mailSession {
	return imap.NewSession(opts)
}

var readPassword = func() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	return term.ReadPassword(fd)
}

func (c *CLI) Run(ctx *Context) error {
	acct, err := c.resolveAccount()
	if err != nil {
		return err
	}

	if c.SetPassword {
		return storePassword(ctx.Formatter, acct)
	}

	if err := acct.Validate(); err != nil {
		return err
	}
	tag := strings.TrimSpace(c.Tag)
	if tag == "" {
		return errors.New("subject tag must not be empty")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return runCheck(sigCtx, ctx, newSession(c.sessionOptions(ctx)), acct, tag)
}

func (c *CLI) resolveAccount() (*config.Account, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	return cfg.Account(c.Account)
}

// runCheck connects, searches acct's folder for tag and closes the session on
// every path.
func runCheck(ctx context.Context, out *Context, sess mailSession, acct *config.Account, tag string) error {
	f := out.Formatter

	defer func() {
		sess.Close()
		f.Verbosef("session %s", sess.State())
	}()

	f.Verbosef("connecting to %s as %s", acct.Address(), acct.User)
	if err := sess.Connect(ctx, acct); err != nil {
		return fmt.Errorf("account %s: %w", acct.Name, err)
	}
	f.Verbosef("session %s", sess.State())

	result, err := sess.SearchSubject(ctx, acct.Folder, tag)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.Name, err)
	}

	return report(f, acct, result)
}

func report(f *output.Formatter, acct *config.Account, result *imap.SearchResult) error {
	if !result.Found {
		f.Verbosef("No new mails found")
		msg := fmt.Sprintf("%s: no message tagged %q in %s (%s messages)",
			acct.Name, result.Tag, result.Folder, humanize.Comma(int64(result.TotalMessages)))
		if f.JSON {
			if err := f.Report(false, result, msg); err != nil {
				return err
			}
		} else {
			f.PrintWarning(msg)
		}
		return ErrNotFound
	}

	ids := make([]string, len(result.MatchedIDs))
	for i, id := range result.MatchedIDs {
		ids[i] = fmt.Sprint(id)
	}
	f.Verbosef("New mails found: %s", strings.Join(ids, " "))

	msg := fmt.Sprintf("%s: %s tagged %q in %s (%s messages)",
		acct.Name, plural(len(result.MatchedIDs), "message"), result.Tag, result.Folder,
		humanize.Comma(int64(result.TotalMessages)))
	if f.JSON {
		return f.Report(true, result, msg)
	}
	f.PrintSuccess(msg)
	return nil
}

func storePassword(f *output.Formatter, acct *config.Account) error {
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", acct.User, acct.Server)
	pw, err := readPassword()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw) == 0 {
		return errors.New("password is required")
	}

	if err := acct.SetPassword(string(pw)); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	if f.JSON {
		return f.Report(true, map[string]string{"account": acct.Name, "user": acct.User}, "password stored")
	}
	f.PrintSuccess(fmt.Sprintf("Password for %s stored in system keyring", acct.User))
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
