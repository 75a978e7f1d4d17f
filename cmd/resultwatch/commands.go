package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"resultwatch/internal/app"
	"resultwatch/internal/watch"
)

// Exit codes of the invocation commands.
const (
	exitError       = 1
	exitPartial     = 2
	exitUnavailable = 3
)

type Flags struct {
	ConfigPath string
	LogLevel   string
	EnvFile    string
}

func (f *Flags) open(transport string) (*app.App, error) {
	return f.openWith(app.Options{Transport: transport})
}

func (f *Flags) openWith(opts app.Options) (*app.App, error) {
	opts.ConfigPath = f.ConfigPath
	opts.LogLevel = f.LogLevel
	return app.New(opts)
}

func exitFor(err error) error {
	if err == nil {
		return nil
	}
	switch watch.Outcome(err) {
	case "partial":
		return cli.Exit(err.Error(), exitPartial)
	case "source_unavailable", "store_unavailable":
		return cli.Exit(err.Error(), exitUnavailable)
	default:
		return cli.Exit(err.Error(), exitError)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type CheckCmd struct {
	flags  *Flags
	dryRun bool
}

func NewCheckCmd(flags *Flags) *CheckCmd { return &CheckCmd{flags: flags} }

func (cmd *CheckCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "check",
		Usage: "Run one check-results invocation",
		Description: `Fetches the current results, emails every new or changed result and records
what was delivered. Exit status is 2 when some emails failed (they are retried
on the next run) and 3 when the source or the state store is unavailable.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "log the emails instead of sending them and leave the stored state untouched",
				Destination: &cmd.dryRun,
			},
		},
		Action: cmd.run,
	})
	return root
}

func (cmd *CheckCmd) run(ctx context.Context, c *cli.Command) error {
	opts := app.Options{}
	if cmd.dryRun {
		opts.Transport = "log"
		opts.DryRun = true
	}
	a, err := cmd.flags.openWith(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Check(ctx)
	if perr := printJSON(c.Root().Writer, rep); perr != nil {
		return perr
	}
	return exitFor(err)
}

type InitCmd struct {
	flags *Flags
}

func NewInitCmd(flags *Flags) *InitCmd { return &InitCmd{flags: flags} }

func (cmd *InitCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "init",
		Usage: "Seed the state from the current results without sending email",
		Description: `Records every current result as already notified. Results that are
already stored are left untouched, so running it again is harmless.`,
		Action: cmd.run,
	})
	return root
}

func (cmd *InitCmd) run(ctx context.Context, c *cli.Command) error {
	// never sends, so the smtp password is not needed
	a, err := cmd.flags.open("log")
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Initialize(ctx)
	if perr := printJSON(c.Root().Writer, rep); perr != nil {
		return perr
	}
	if err == nil && rep.Seeded == 0 {
		fmt.Fprintln(c.Root().ErrWriter, "state already initialized; nothing seeded")
	}
	return exitFor(err)
}

type ServeCmd struct {
	flags *Flags
}

func NewServeCmd(flags *Flags) *ServeCmd { return &ServeCmd{flags: flags} }

func (cmd *ServeCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP endpoints and run the in-process schedule",
		Description: `Exposes /check-results, /initialize-state, /state, /healthz and /metrics,
triggers check-results on scheduler.schedule and reloads the config file
when it changes.`,
		Action: cmd.run,
	})
	return root
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	a, err := cmd.flags.open("")
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Serve(ctx)
}

type StateCmd struct {
	flags      *Flags
	jsonOutput bool
}

func NewStateCmd(flags *Flags) *StateCmd { return &StateCmd{flags: flags} }

func (cmd *StateCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:      "state",
		Usage:     "List the stored result entries",
		UsageText: "resultwatch state [--json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON",
				Destination: &cmd.jsonOutput,
			},
		},
		Action: cmd.run,
	})
	return root
}

func (cmd *StateCmd) run(ctx context.Context, c *cli.Command) error {
	a, err := cmd.flags.open("log")
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.State(ctx)
	if err != nil {
		return exitFor(fmt.Errorf("%w: %w", watch.ErrStoreUnavailable, err))
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := c.Root().Writer
	if cmd.jsonOutput {
		list := make([]any, 0, len(ids))
		for _, id := range ids {
			list = append(list, entries[id])
		}
		return printJSON(out, list)
	}
	if len(ids) == 0 {
		fmt.Fprintln(c.Root().ErrWriter, "No entries stored")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNOTIFIED\tSIGNATURE\tUPDATED")
	for _, id := range ids {
		e := entries[id]
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", e.ID, e.Notified, e.LastSignature, e.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

type TestEmailCmd struct {
	flags *Flags
}

func NewTestEmailCmd(flags *Flags) *TestEmailCmd { return &TestEmailCmd{flags: flags} }

func (cmd *TestEmailCmd) Register(root *cli.Command) *cli.Command {
	root.Commands = append(root.Commands, &cli.Command{
		Name:   "test-email",
		Usage:  "Send a test email to check the email settings",
		Action: cmd.run,
	})
	return root
}

func (cmd *TestEmailCmd) run(ctx context.Context, c *cli.Command) error {
	a, err := cmd.flags.open("")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.SendTest(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("test email failed: %v", err), exitError)
	}
	cfg := a.Config()
	fmt.Fprintf(c.Root().Writer, "test email sent to %s\n", cfg.Email.Recipient)
	return nil
}
