package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/jamespo/check-mailrelay/internal/cli"
)

func main() {
	var c cli.CLI

	parser := kong.Must(&c,
		kong.Name("check-mailrelay"),
		kong.Description("Check that a relayed message tagged in its Subject reached an IMAP folder"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{"version": cli.Version},
		kong.Exit(func(code int) {
			if code != 0 {
				code = cli.ExitFailed
			}
			os.Exit(code)
		}),
	)

	_, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	execCtx, err := cli.NewContext(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailed)
	}

	err = c.Run(execCtx)
	if err != nil && !cli.Reported(err) {
		execCtx.Formatter.PrintError(err)
	}
	_ = execCtx.Logger.Sync()
	os.Exit(cli.ExitCode(err))
}
