package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"

	"github.com/ardnew/umass/host/class/msc"
	"github.com/ardnew/umass/pkg"
)

const (
	programName = "umassctl"
	programDesc = "USB mass-storage transport inspector"
)

// version is set at link time.
var version = "dev"

// runContext is the context struct required by kong command line parser
type runContext struct {
	out io.Writer
}

// CLI is the main command line interface struct required by kong command line parser
type CLI struct {
	LogLevel  string `help:"Minimum log level." default:"warn" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log output format." default:"text" enum:"text,json"`

	Lookup   lookupCmd   `cmd:"" help:"Resolve the transport profile of a device identity"`
	Table    tableCmd    `cmd:"" help:"List the device quirk table"`
	Simulate simulateCmd `cmd:"" help:"Attach to a simulated device and run a command script"`
	Version  versionCmd  `cmd:"" help:"Print the program version"`
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}

	// Parse kong flags and sub-commands
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	ctx.FatalIfErrorf(configureLogging(cli.LogLevel, cli.LogFormat))

	// Run the command
	err = ctx.Run(&runContext{out: os.Stdout})
	ctx.FatalIfErrorf(err)
}

// configureLogging applies the global log flags to the pkg logger.
func configureLogging(level, format string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return errors.Wrapf(pkg.ErrInvalidParameter, "log level %q", level)
	}
	f, err := pkg.ParseLogFormat(format)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(l)
	pkg.SetLogFormat(f)
	return nil
}

// parseHex parses the named hexadecimal flag with msc.ParseID.
func parseHex(name, s string) (uint16, error) {
	v, err := msc.ParseID(s)
	return v, errors.Wrap(err, name)
}

// loadTable returns the built-in table, with the entries of path layered
// over it when path is set.
func loadTable(path string) (*msc.QuirkTable, error) {
	table := msc.DefaultQuirkTable()
	if path == "" {
		return table, nil
	}
	entries, err := msc.LoadQuirkFile(path)
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentQuirk, "loaded quirk file", "path", path, "entries", len(entries))
	return table.With(entries...), nil
}

type versionCmd struct{}

// Run executes when the version command is invoked
func (v *versionCmd) Run(ctx *runContext) error {
	_, err := io.WriteString(ctx.out, programName+" "+version+"\n")
	return err
}
