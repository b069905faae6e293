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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/cli/clitools"
	"github.com/foxcpp/dmarc-dsn/internal/discard"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/urfave/cli/v2"
)

func init() {
	dsncli.AddSubcommand(
		&cli.Command{
			Name:  "markers",
			Usage: "Bounce markers management",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List all markers",
					Action: markersList,
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:    "min-age",
							Usage:   "Retention window in `DAYS` used to classify markers",
							EnvVars: []string{"MIN_AGE"},
							Value:   int(discard.DefaultWindow / (24 * time.Hour)),
						},
						&cli.BoolFlag{
							Name:  "fresh",
							Usage: "List only markers within the retention window",
						},
					},
				},
				{
					Name:      "show",
					Usage:     "Show marker and its bounce history",
					ArgsUsage: "DOMAIN",
					Action:    markersShow,
				},
				{
					Name:  "prune",
					Usage: "Remove markers that were not touched for a long time",
					Description: `Markers older than the retention window do not affect the table,
prune only keeps the data directory small. It is never done automatically.`,
					Action: markersPrune,
					Flags: []cli.Flag{
						&cli.IntFlag{
							Name:     "older-than",
							Usage:    "Remove markers older than `DAYS`",
							Required: true,
						},
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Don't ask for confirmation",
						},
					},
				},
			},
		})
}

func markersList(ctx *cli.Context) error {
	minAge := ctx.Int("min-age")
	if minAge < 0 || minAge > maxMinAge {
		return cli.Exit(fmt.Sprintf("Error: --min-age must be between 0 and %d", maxMinAge), exterrors.ExitUsage)
	}
	window := time.Duration(minAge) * 24 * time.Hour
	logger := dsncli.Logger("markers")

	store, err := dsncli.OpenStore(ctx, dsncli.DataDir(ctx, ""))
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	now := time.Now()
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 8, 1, ' ', 0)
	for m, err := range store.Markers(ctx.Context) {
		if err != nil {
			var readErr *marker.ReadError
			if errors.As(err, &readErr) {
				logger.Error("marker skipped", err)
				continue
			}
			return dsncli.Fail(logger, "cannot list markers", err)
		}

		state := "stale"
		if discard.IsFresh(m.LastTouched, now, window) {
			state = "fresh"
		} else if ctx.Bool("fresh") {
			continue
		}
		date := "unknown"
		if rec, ok := m.Latest(); ok && rec.Date != "" {
			date = rec.Date
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Domain, m.LastTouched.UTC().Format(time.RFC3339), clitools.FormatAge(m.Age(now)), state, date)
	}
	return w.Flush()
}

func markersShow(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("Error: DOMAIN is required", exterrors.ExitUsage)
	}
	logger := dsncli.Logger("markers")

	store, err := dsncli.OpenStore(ctx, dsncli.DataDir(ctx, ""))
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	m, err := store.Get(ctx.Context, ctx.Args().First())
	if err != nil {
		if errors.Is(err, marker.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("Error: no marker for %s", ctx.Args().First()), exterrors.ExitFailure)
		}
		return dsncli.Fail(logger, "cannot read marker", err)
	}

	out := ctx.App.Writer
	fmt.Fprintln(out, "Domain:", m.Domain)
	fmt.Fprintln(out, "Last touched:", m.LastTouched.UTC().Format(time.RFC3339))
	fmt.Fprintln(out, "Age:", clitools.FormatAge(m.Age(time.Now())))
	if len(m.Records) == 0 {
		return nil
	}
	fmt.Fprintln(out, "History:")
	enc := json.NewEncoder(out)
	for _, rec := range m.Records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func markersPrune(ctx *cli.Context) error {
	olderThan := ctx.Int("older-than")
	if olderThan <= 0 {
		return cli.Exit("Error: --older-than must be positive", exterrors.ExitUsage)
	}
	maxAge := time.Duration(olderThan) * 24 * time.Hour
	logger := dsncli.Logger("markers")

	store, err := dsncli.OpenStore(ctx, dsncli.DataDir(ctx, ""))
	if err != nil {
		return dsncli.Fail(logger, "cannot open marker store", err)
	}
	defer store.Close()

	now := time.Now()
	// A domain may have several marker files, it is pruned only if the
	// freshest one is old enough.
	lastTouched := make(map[string]time.Time)
	for m, err := range store.Markers(ctx.Context) {
		if err != nil {
			var readErr *marker.ReadError
			if errors.As(err, &readErr) {
				logger.Error("marker skipped", err)
				continue
			}
			return dsncli.Fail(logger, "cannot list markers", err)
		}
		if prev, ok := lastTouched[m.Domain]; !ok || m.LastTouched.After(prev) {
			lastTouched[m.Domain] = m.LastTouched
		}
	}
	var victims []string
	for domain, stamp := range lastTouched {
		if now.Sub(stamp) >= maxAge {
			victims = append(victims, domain)
		}
	}
	sort.Strings(victims)

	if len(victims) == 0 {
		return nil
	}
	if !ctx.Bool("yes") {
		prompt := fmt.Sprintf("Remove %d markers older than %d days?", len(victims), olderThan)
		if !clitools.Confirmation(ctx.App.Reader, ctx.App.ErrWriter, prompt, false) {
			return errors.New("cancelled")
		}
	}

	for _, domain := range victims {
		err := store.Remove(ctx.Context, domain)
		switch {
		case errors.Is(err, marker.ErrNotFound):
			logger.Msg("marker already removed", "domain", domain)
		case err != nil:
			return dsncli.Fail(logger, "cannot remove marker", err)
		default:
			logger.Msg("marker removed", "domain", domain)
		}
	}
	return nil
}
