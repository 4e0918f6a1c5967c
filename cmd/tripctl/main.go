package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "table":
		err = runTable(os.Stdout, os.Args[2:])
	case "reachable":
		err = runReachable(os.Stdout, os.Args[2:])
	case "replay":
		err = runReplay(os.Stdout, os.Args[2:])
	case "events":
		for _, e := range tripfsm.Events() {
			fmt.Println(e)
		}
	case "version", "-v", "--version":
		fmt.Printf("tripctl version %s\n", version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tripctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tripctl - Trip lifecycle state machine toolkit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  tripctl <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  table      Print the flattened transition table")
	fmt.Fprintln(w, "  reachable  List every reachable configuration")
	fmt.Fprintln(w, "  replay     Replay events from the initial configuration")
	fmt.Fprintln(w, "  events     List known events")
	fmt.Fprintln(w, "  version    Show version information")
	fmt.Fprintln(w, "  help       Show this help message")
}

func runTable(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("table", flag.ContinueOnError)
	event := fs.String("event", "", "only show transitions for this event")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tEVENT\tTO\tREGION\tDECLARED ON")
	for _, t := range tripfsm.Transitions() {
		if *event != "" && string(t.Event) != *event {
			continue
		}
		region := t.Region
		if region == "" {
			region = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.From, t.Event, strings.Join(t.To, ", "), region, t.Source)
	}
	return tw.Flush()
}

func runReachable(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("reachable", flag.ContinueOnError)
	showEvents := fs.Bool("events", false, "show events that change each configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	for _, c := range tripfsm.Reachable() {
		line := c.String()
		if c.IsTerminal() {
			line += " (final)"
		}
		if *showEvents {
			var enabled []string
			for _, e := range tripfsm.Events() {
				if c.Can(e) {
					enabled = append(enabled, string(e))
				}
			}
			line += "  [" + strings.Join(enabled, " ") + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func runReplay(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	from := fs.String("from", "", "comma separated active leaves to start from")
	asJSON := fs.Bool("json", false, "print a snapshot as JSON")
	verbose := fs.Bool("v", false, "print every step")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := tripfsm.Initial()
	if *from != "" {
		c, err := tripfsm.FromLeaves(strings.Split(*from, ",")...)
		if err != nil {
			return err
		}
		start = c
	}

	events := make([]tripfsm.Event, 0, fs.NArg())
	for _, arg := range fs.Args() {
		e, err := tripfsm.ParseEvent(arg)
		if err != nil {
			return err
		}
		events = append(events, e)
	}

	current := start
	for _, e := range events {
		next, err := tripfsm.Apply(current, e)
		if err != nil {
			return err
		}
		if *verbose {
			mark := " "
			if next == current {
				mark = "="
			}
			fmt.Fprintf(w, "%s %-24s %s\n", mark, e, next)
		}
		current = next
	}

	if *asJSON {
		snap := tripfsm.Snapshot{
			TripID:    "replay",
			Leaves:    current.ActiveLeaves(),
			Terminal:  current.IsTerminal(),
			Timestamp: time.Now().UTC(),
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintln(w, current)
	return nil
}
