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

package ctl

import (
	"fmt"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/discard"
	"github.com/urfave/cli/v2"
)

const maxMinAge = int(discard.MaxWindow / (24 * time.Hour))

func init() {
	dsncli.AddSubcommand(
		&cli.Command{
			Name:  "build-table",
			Usage: "Generate the discard table for the MTA",
			Description: `Writes a Postfix lookup table with one line per domain that bounced a
DMARC report within the last --min-age days. The table is written to stdout
or atomically replaces the file given with -o.

Example for Postfix:

  dmarc-dsn build-table -o /etc/postfix/dmarc_discard && postmap /etc/postfix/dmarc_discard`,
			Action: buildTableCommand,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "min-age",
					Usage:   "Retention window in `DAYS` (0-90)",
					EnvVars: []string{"MIN_AGE"},
					Value:   int(discard.DefaultWindow / (24 * time.Hour)),
				},
				&cli.PathFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "Replace `FILE` with the table instead of writing it to stdout",
				},
				&cli.StringFlag{
					Name:  "key-format",
					Usage: "Table key: domain, rcpt (last bounced recipient) or verp (requires --sender)",
					Value: string(discard.KeyDomain),
				},
				&cli.StringFlag{
					Name:  "sender",
					Usage: "Envelope sender of DMARC reports, used for verp keys",
				},
				&cli.StringFlag{
					Name:    "delimiter",
					Usage:   "Delimiter used to build verp keys",
					EnvVars: []string{"DMARC_DSN_DELIMITER"},
				},
				&cli.StringFlag{
					Name:  "transport",
					Usage: "Transport name used in the table actions",
					Value: discard.DefaultTransport,
				},
				&cli.PathFlag{
					Name:  "metrics-file",
					Usage: "Write build statistics to `FILE` for node_exporter textfile collector",
				},
			},
		})
}

func buildTableCommand(ctx *cli.Context) error {
	if ctx.NArg() != 0 {
		return cli.Exit("Error: build-table takes no arguments", exterrors.ExitUsage)
	}
	minAge := ctx.Int("min-age")
	if minAge < 0 || minAge > maxMinAge {
		return cli.Exit(fmt.Sprintf("Error: --min-age must be between 0 and %d", maxMinAge), exterrors.ExitUsage)
	}
	keyFormat, err := discard.ParseKeyFormat(ctx.String("key-format"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exterrors.ExitUsage)
	}
	if keyFormat == discard.KeyVERP && ctx.String("sender") == "" {
		return cli.Exit("Error: --sender is required for verp keys", exterrors.ExitUsage)
	}

	logger := dsncli.Logger("build-table")
	dataDir := dsncli.DataDir(ctx, "")

	store, err := dsncli.OpenStore(ctx, dataDir)
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	now := time.Now()
	tbl, stats, err := discard.Build(ctx.Context, store, now, discard.Options{
		Window:    time.Duration(minAge) * 24 * time.Hour,
		KeyFormat: keyFormat,
		Sender:    ctx.String("sender"),
		Delimiter: ctx.String("delimiter"),
		Transport: ctx.String("transport"),
		Log:       logger,
	})
	if err != nil {
		return dsncli.Fail(logger, "table not generated", err)
	}

	if path := ctx.Path("output"); path != "" {
		prev, err := discard.ReadFile(path)
		if err != nil {
			logger.Error("cannot read previous table", err, "path", path)
		}
		if err := discard.WriteFile(path, tbl); err != nil {
			return dsncli.Fail(logger, "cannot write table", err)
		}
		if prev != nil {
			added, removed := tbl.Diff(prev)
			for _, key := range added {
				logger.Msg("discarding reports", "key", key)
			}
			for _, key := range removed {
				logger.Msg("reports allowed again", "key", key)
			}
		}
	} else {
		if _, err := tbl.WriteTo(ctx.App.Writer); err != nil {
			return dsncli.Fail(logger, "cannot write table", err)
		}
	}

	if path := ctx.Path("metrics-file"); path != "" {
		if err := discard.WriteMetrics(path, tbl, stats, now); err != nil {
			logger.Error("cannot write metrics", err, "path", path)
		}
	}

	logger.DebugMsg("table built",
		"entries", len(tbl.Entries),
		"fresh", stats.Fresh,
		"stale", stats.Stale,
		"unreadable", stats.Unreadable,
		"duplicates", stats.Duplicates,
	)
	return nil
}
