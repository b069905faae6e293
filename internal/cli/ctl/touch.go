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
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/urfave/cli/v2"
)

func init() {
	dsncli.AddSubcommand(
		&cli.Command{
			Name:      "touch",
			Usage:     "Create or refresh the marker for a domain manually",
			ArgsUsage: "DOMAIN",
			Action:    touchCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "orig-rcpt",
					Usage: "Recipient address to add to the bounce history",
				},
			},
		})
}

func touchCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("Error: DOMAIN is required", exterrors.ExitUsage)
	}
	logger := dsncli.Logger("touch")

	store, err := dsncli.OpenStore(ctx, dsncli.DataDir(ctx, ""))
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	var rec *marker.Record
	if rcpt := ctx.String("orig-rcpt"); rcpt != "" {
		rec = &marker.Record{OrigRcpt: rcpt, Action: "manual"}
	}
	if err := store.Touch(ctx.Context, ctx.Args().First(), rec); err != nil {
		return dsncli.Fail(logger, "marker not touched", err)
	}
	return nil
}
