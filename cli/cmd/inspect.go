package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/wadostream/cli/render"
	"github.com/pithecene-io/wadostream/cli/tui"
	"github.com/pithecene-io/wadostream/framelog"
	"github.com/pithecene-io/wadostream/iox"
)

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a framelog written by fetch --out",
		ArgsUsage: "<framelog>",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "records",
				Usage: "List every record instead of one summary per image",
			},
		}, OutputFlags()...),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("inspect requires exactly one framelog path", exitConfigError)
	}
	path := c.Args().First()

	f, err := os.Open(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot open framelog: %v", err), exitConfigError)
	}
	defer iox.DiscardClose(f)

	records, err := framelog.ReadAll(f)
	switch {
	case err == nil:
	case framelog.IsTruncated(err):
		// A fetch killed mid-write leaves a partial tail record.
		fmt.Fprintf(c.App.ErrWriter, "warning: %s: %v (showing %d complete records)\n", path, err, len(records))
	default:
		return cli.Exit(fmt.Sprintf("cannot read framelog: %v", err), exitConfigError)
	}

	if c.Bool("records") {
		rows := make([]framelog.Row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, rec.Row())
		}
		r, err := render.NewRenderer(c)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
		return r.Render(rows)
	}

	summaries := framelog.Summarize(records)
	if c.Bool("tui") {
		if !isStderrTTY() {
			return cli.Exit("--tui requires a terminal", exitConfigError)
		}
		return tui.Run(tui.ViewInspectFramelog, summaries)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	return r.Render(summaries)
}
