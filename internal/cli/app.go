/*
dmarc-dsn - Bounce feedback loop for DMARC aggregate report senders.
Copyright © 2019-2023 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package dsncli

import (
	"fmt"
	"os"
	"strings"

	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	"github.com/foxcpp/dmarc-dsn/framework/log"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/urfave/cli/v2"
)

// DefaultDataDir is used if neither --data-dir nor $DATA_DIR is set.
const DefaultDataDir = "./dmarc_dsn_processor"

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "dmarc-dsn"
	app.Usage = "bounce feedback loop for DMARC aggregate reports"
	app.Description = `dmarc-dsn records delivery status notifications for DMARC aggregate
reports that could not be delivered and generates a lookup table that makes
the MTA discard further reports to these domains for some time.

'record' is meant to be run by the MTA pipe transport for each bounce,
'build-table' is meant to be run periodically by a scheduler.`
	app.Version = BuildInfo()
	app.Authors = []*cli.Author{
		{
			Name:  "Maddy Mail Server maintainers & contributors",
			Email: "~foxcpp/maddy@lists.sr.ht",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		if _, ok := err.(cli.ExitCoder); ok {
			cli.HandleExitCoder(err)
			return
		}
		log.DefaultLogger.Error("command failed", err)
		cli.OsExiter(exterrors.ExitCode(err))
	}
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "data-dir",
			Usage:   "Directory with bounce markers, must exist",
			EnvVars: []string{"DATA_DIR"},
			Value:   DefaultDataDir,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging, also enabled if $VERBOSE is set to any value",
		},
		&cli.StringFlag{
			Name:    "log",
			Usage:   "Where to write log messages: stderr, syslog, off or a file `PATH`, comma-separated",
			EnvVars: []string{"DMARC_DSN_LOG"},
			Value:   "stderr",
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Format of stderr and file logs: text or json",
			EnvVars: []string{"DMARC_DSN_LOG_FORMAT"},
			Value:   "text",
		},
		&cli.IntFlag{
			Name:  "log-max-size",
			Usage: "Rotate the log file once it reaches this size in `MiB`",
			Value: 10,
		},
		&cli.IntFlag{
			Name:  "log-max-backups",
			Usage: "Amount of rotated log files to keep",
			Value: 5,
		},
		&cli.IntFlag{
			Name:  "log-max-age",
			Usage: "Remove rotated log files older than `DAYS`",
			Value: 0,
		},
		&cli.BoolFlag{
			Name:  "log-compress",
			Usage: "Gzip rotated log files",
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Marker storage backend: fs, sqlite, postgres or mysql",
			EnvVars: []string{"DMARC_DSN_STORE"},
			Value:   "fs",
		},
		&cli.StringFlag{
			Name:    "dsn",
			Usage:   "Data source name for SQL storage backends",
			EnvVars: []string{"DMARC_DSN_DSN"},
		},
	}
	app.Before = setupLog
	app.After = func(*cli.Context) error {
		if log.DefaultLogger.Out != nil {
			return log.DefaultLogger.Out.Close()
		}
		return nil
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

func setupLog(c *cli.Context) error {
	debug := c.Bool("debug") || os.Getenv("VERBOSE") != ""

	var jsonFmt bool
	switch c.String("log-format") {
	case "text", "":
	case "json":
		jsonFmt = true
	default:
		return cli.Exit("Error: --log-format should be text or json", exterrors.ExitUsage)
	}

	var outs []log.Output
	for _, target := range strings.Split(c.String("log"), ",") {
		out, err := logOutput(c, strings.TrimSpace(target), jsonFmt)
		if err != nil {
			for _, o := range outs {
				o.Close()
			}
			return err
		}
		outs = append(outs, out)
	}

	var out log.Output
	if len(outs) == 1 {
		out = outs[0]
	} else {
		out = log.MultiOutput(outs...)
	}

	log.DefaultLogger = log.Logger{
		Out:   out,
		Name:  "dmarc-dsn",
		Debug: debug,
	}
	return nil
}

func logOutput(c *cli.Context, target string, jsonFmt bool) (log.Output, error) {
	switch target {
	case "stderr", "":
		if jsonFmt {
			return log.JSONOutput(os.Stderr), nil
		}
		return log.WriterOutput(os.Stderr, false), nil
	case "off":
		return log.NopOutput{}, nil
	case "syslog":
		out, err := log.SyslogOutput("dmarc-dsn")
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Error: failed to connect to syslog daemon: %v", err), exterrors.ExitConfig)
		}
		return out, nil
	}

	opts := log.RotateOpts{
		MaxSizeMB:  c.Int("log-max-size"),
		MaxBackups: c.Int("log-max-backups"),
		MaxAgeDays: c.Int("log-max-age"),
		Compress:   c.Bool("log-compress"),
	}
	if jsonFmt {
		return log.JSONFileOutput(target, opts), nil
	}
	return log.FileOutput(target, opts), nil
}

// Logger returns the logger for the named component.
func Logger(name string) log.Logger {
	return log.DefaultLogger.Sublogger(name)
}

// DataDir returns the data directory. dirArg, if not empty, overrides the
// global flag.
func DataDir(c *cli.Context, dirArg string) string {
	if dirArg != "" {
		return dirArg
	}
	return c.Path("data-dir")
}

// OpenStore opens the marker store configured by the global flags.
func OpenStore(c *cli.Context, dataDir string) (marker.Store, error) {
	return marker.Open(dataDir, c.String("store"), c.String("dsn"), Logger("marker"))
}

// Fail logs err and returns the cli.ExitCoder with the exit status
// matching it, see exterrors.ExitCode.
func Fail(l log.Logger, msg string, err error) error {
	l.Error(msg, err)
	return cli.Exit("", exterrors.ExitCode(err))
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// Run executes the application with args (os.Args in main).
func Run(args []string) error {
	return app.Run(args)
}

// App returns the application, tests use it to run commands with custom
// writers.
func App() *cli.App {
	return app
}
