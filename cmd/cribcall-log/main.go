// Command cribcall-log views and analyzes CribCall protocol capture files.
//
// Capture files are written by cribcall-monitor and cribcall-listener when
// started with --protocol-log.
//
// Usage:
//
//	cribcall-log <command> [flags] <file.clog>
//
// Commands:
//
//	view     View events in human-readable format
//	export   Export events to JSONL or CSV
//	filter   Filter events and write them to a new capture file
//	stats    Show statistics about the capture
//
// Examples:
//
//	# View only pairing events
//	cribcall-log view --layer pairing monitor.clog
//
//	# View the noise events sent to listeners
//	cribcall-log view --direction out --type NOISE_EVENT monitor.clog
//
//	# Export one connection to CSV
//	cribcall-log export --format csv --conn-id 5f1c2a9e monitor.clog
//
//	# Keep only one listener's traffic
//	cribcall-log filter --peer 3a7f... -o listener.clog monitor.clog
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/cribcall/cribcall-go/cmd/cribcall-log/commands"
)

const usage = `cribcall-log - CribCall Protocol Log Analyzer

Usage:
  cribcall-log <command> [flags] <file.clog>

Commands:
  view     View events in human-readable format
  export   Export events to JSONL or CSV
  filter   Filter events and write them to a new capture file
  stats    Show statistics about the capture

Use "cribcall-log <command> --help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "stats":
		err = runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set whose usage names the subcommand.
func newFlagSet(name, summary, synopsis string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "cribcall-log %s - %s\n\nUsage:\n  cribcall-log %s\n\nFlags:\n", name, summary, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func addFilterFlags(fs *pflag.FlagSet, f *commands.FilterFlags) {
	fs.StringVar(&f.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&f.Peer, "peer", "", "Filter by peer certificate fingerprint")
	fs.StringVar(&f.MessageType, "type", "", "Filter by message type (PING, NOISE_EVENT, ...)")
	fs.StringVar(&f.Layer, "layer", "", "Filter by layer (transport, wire, pairing, control)")
	fs.StringVar(&f.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&f.Category, "category", "", "Filter by category (message, state, error)")
	fs.StringVar(&f.Since, "since", "", "Only events at or after this time (RFC3339)")
	fs.StringVar(&f.Until, "until", "", "Only events before this time (RFC3339)")
}

// logPath returns the single positional argument.
func logPath(fs *pflag.FlagSet) (string, error) {
	if fs.NArg() < 1 {
		fs.Usage()
		return "", errors.New("log file path required")
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	fs := newFlagSet("view", "View events in human-readable format", "view [flags] <file.clog>")
	var ff commands.FilterFlags
	addFilterFlags(fs, &ff)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	filter, err := ff.Build()
	if err != nil {
		return err
	}
	return commands.RunView(path, filter, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", "Export events to JSONL or CSV", "export [flags] <file.clog>")
	var ff commands.FilterFlags
	addFilterFlags(fs, &ff)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.StringP("output", "o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	filter, err := ff.Build()
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output, filter, os.Stdout)
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", "Filter events and write them to a new capture file", "filter [flags] -o <out.clog> <file.clog>")
	var ff commands.FilterFlags
	addFilterFlags(fs, &ff)
	output := fs.StringP("output", "o", "", "Output file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	if *output == "" {
		fs.Usage()
		return errors.New("output file (-o) required")
	}
	filter, err := ff.Build()
	if err != nil {
		return err
	}
	n, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		return err
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
	return nil
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "Show statistics about the capture", "stats <file.clog>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := logPath(fs)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}
