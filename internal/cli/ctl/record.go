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
	"github.com/foxcpp/dmarc-dsn/framework/address"
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/bounce"
	"github.com/urfave/cli/v2"
)

func init() {
	dsncli.AddSubcommand(
		&cli.Command{
			Name:      "record",
			Usage:     "Record a bounced DMARC report, message is read from stdin",
			ArgsUsage: "QUEUE_ID [DATA_DIR]",
			Description: `Intended to be used as a Postfix pipe(8) transport:

  dmarc-dsn unix - n n - 1 pipe
    flags=Rq user=dmarc argv=/usr/local/bin/dmarc-dsn record
    --recipient ${original_recipient} ${queue_id}

Exit status is 0 if the bounce was recorded, 65 if it does not contain a
usable domain (the message is saved into DATA_DIR/saved) and 75 if the
marker store is not available and delivery should be retried.`,
			Action: recordCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "recipient",
					Aliases: []string{"r"},
					Usage:   "Envelope recipient of the bounce (the VERP address of the report)",
					EnvVars: []string{"ORIGINAL_RECIPIENT", "RECIPIENT"},
				},
				&cli.StringFlag{
					Name:    "sender",
					Aliases: []string{"f"},
					Usage:   "Envelope sender of the bounce, used only for logging",
					EnvVars: []string{"SENDER"},
				},
				&cli.StringFlag{
					Name:    "delimiter",
					Usage:   "Address extension delimiters, as in Postfix recipient_delimiter",
					EnvVars: []string{"DMARC_DSN_DELIMITER"},
					Value:   address.DefaultDelimiters,
				},
			},
		})
}

func recordCommand(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return cli.Exit("Error: usage: record QUEUE_ID [DATA_DIR]", exterrors.ExitUsage)
	}
	queueID := ctx.Args().Get(0)
	dataDir := dsncli.DataDir(ctx, ctx.Args().Get(1))
	logger := dsncli.Logger("record")

	store, err := dsncli.OpenStore(ctx, dataDir)
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	r := bounce.Recorder{
		Store:   store,
		DataDir: dataDir,
		Delims:  ctx.String("delimiter"),
		Log:     logger,
	}
	_, err = r.Record(ctx.Context, bounce.Invocation{
		Recipient: ctx.String("recipient"),
		Sender:    ctx.String("sender"),
		QueueID:   queueID,
		Message:   ctx.App.Reader,
	})
	if err != nil {
		return dsncli.Fail(logger, "bounce not recorded", err)
	}
	return nil
}
