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

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/dsn"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func init() {
	dsncli.AddSubcommand(
		&cli.Command{
			Name:   "sample-dsn",
			Usage:  "Write a sample bounce of a DMARC report to stdout",
			Hidden: true,
			Action: sampleDSNCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "rcpt",
					Usage: "Recipient of the bounced report",
					Value: "rua@example.org",
				},
				&cli.StringFlag{
					Name:  "sender",
					Usage: "Sender of the bounced report",
					Value: "dmarc-noreply@example.net",
				},
				&cli.StringFlag{
					Name:  "report-domain",
					Usage: "Domain the report is about",
					Value: "example.net",
				},
				&cli.StringFlag{
					Name:  "reporting-mta",
					Usage: "Host name of the MTA that generates the bounce",
					Value: "mx.example.net",
				},
				&cli.BoolFlag{
					Name:  "smtputf8",
					Usage: "Generate internationalized DSN (RFC 6533)",
				},
			},
		})
}

func sampleDSNCommand(ctx *cli.Context) error {
	now := time.Now()

	failedHdr := textproto.Header{}
	failedHdr.Add("From", ctx.String("sender"))
	failedHdr.Add("To", ctx.String("rcpt"))
	failedHdr.Add("Date", now.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	failedHdr.Add("Subject", fmt.Sprintf("Report Domain: %s Submitter: %s", ctx.String("report-domain"), ctx.String("reporting-mta")))

	err := dsn.Write(ctx.App.Writer, ctx.Bool("smtputf8"), dsn.Envelope{
		MsgID: "<" + uuid.NewString() + "@" + ctx.String("reporting-mta") + ">",
		From:  "MAILER-DAEMON@" + ctx.String("reporting-mta"),
		To:    ctx.String("sender"),
	}, dsn.ReportingMTAInfo{
		ReportingMTA:    ctx.String("reporting-mta"),
		ArrivalDate:     now,
		LastAttemptDate: now,
	}, []dsn.RecipientInfo{
		{
			OriginalRecipient: ctx.String("rcpt"),
			FinalRecipient:    ctx.String("rcpt"),
			Action:            dsn.ActionFailed,
			Status:            smtp.EnhancedCode{5, 1, 1},
			DiagnosticCode: &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "User unknown",
			},
		},
	}, failedHdr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exterrors.ExitUsage)
	}
	return nil
}
