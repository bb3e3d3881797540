package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/tag"
	"github.com/atotto/clipboard"
	"github.com/spf13/afero"
)

const (
	rawBegin = "[RAW CARD TEXT BEGIN]"
	rawEnd   = "[RAW CARD TEXT END]"
)

// cli runs the one-shot tag commands.
type cli struct {
	agent *tag.Agent
	fs    afero.Fs
	out   io.Writer
	// copyText puts text on the system clipboard.
	copyText func(string) error
}

func newCLI(agent *tag.Agent, out io.Writer) *cli {
	return &cli{
		agent:    agent,
		fs:       afero.NewOsFs(),
		out:      out,
		copyText: clipboard.WriteAll,
	}
}

var errUsage = errors.New("usage")

// run executes one command. Commands that are not tag commands return
// errUsage.
func (c *cli) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "read":
		return c.show(c.agent.Read(ctx))
	case "robot":
		return c.show(c.agent.MockRobot(ctx))
	case "charge":
		return c.show(c.agent.Charge(ctx))
	case "status":
		if len(args) != 1 {
			return fmt.Errorf("%w: status <0-3>", errUsage)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid note code %q", args[0])
		}
		return c.show(c.agent.SetStatus(ctx, n))
	case "init":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return fmt.Errorf("%w: init <serial>", errUsage)
		}
		return c.show(c.agent.InitNew(ctx, strings.TrimSpace(args[0])))
	case "export":
		if len(args) != 1 {
			return fmt.Errorf("%w: export <file>", errUsage)
		}
		return c.export(ctx, args[0])
	case "import":
		if len(args) != 1 {
			return fmt.Errorf("%w: import <file>", errUsage)
		}
		text, err := afero.ReadFile(c.fs, args[0])
		if err != nil {
			return err
		}
		return c.show(c.agent.Import(ctx, text))
	case "uid":
		return c.uid(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func (c *cli) export(ctx context.Context, path string) error {
	snap, err := c.agent.Read(ctx)
	if err != nil {
		return c.show(snap, err)
	}
	if err := afero.WriteFile(c.fs, path, []byte(snap.Doc.Pretty()+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Exported %s to %s\n", snap.Doc.SN, path)
	return nil
}

func (c *cli) uid(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("uid", flag.ContinueOnError)
	fs.SetOutput(c.out)
	copyFlag := fs.Bool("copy", false, "Copy the UID to the clipboard")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: uid [-copy]", errUsage)
	}

	uid, err := c.agent.UID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, uid)
	if *copyFlag {
		if err := c.copyText(uid); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
		fmt.Fprintln(c.out, "Copied to clipboard")
	}
	return nil
}

// show prints a snapshot, or the raw tag text when it could not be parsed.
func (c *cli) show(snap tag.Snapshot, err error) error {
	var pe *tag.ParseError
	if errors.As(err, &pe) {
		fmt.Fprintf(c.out, "UID: %s\n", pe.UID)
		fmt.Fprintln(c.out, rawBegin)
		fmt.Fprintln(c.out, pe.RawText)
		fmt.Fprintln(c.out, rawEnd)
		return err
	}
	if err != nil {
		return err
	}
	printSnapshot(c.out, snap)
	return nil
}

func printSnapshot(w io.Writer, snap tag.Snapshot) {
	d := snap.Doc
	fmt.Fprintf(w, "UID:        %s\n", snap.UID)
	fmt.Fprintf(w, "Serial:     %s\n", d.SN)
	fmt.Fprintf(w, "First use:  %s\n", battery.FormatTimestamp(d.FU))
	fmt.Fprintf(w, "Cycles:     %d\n", d.CC)
	fmt.Fprintf(w, "Status:     %s\n", battery.NoteLabel(d.N))
	if snap.Replaced {
		fmt.Fprintln(w, "Warning:    tag text contained invalid bytes")
	}

	recent := d.Recent()
	fmt.Fprintf(w, "Usage (%d/%d):\n", len(recent), battery.MaxUsage)
	for _, u := range recent {
		fmt.Fprintf(w, "  #%-3d %s  %-7s e=%d v=%d\n",
			u.I, battery.FormatTimestamp(u.T), battery.DeviceLabel(u.D), u.E, u.V)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, d.Pretty())
}
