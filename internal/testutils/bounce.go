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

package testutils

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/dmarc-dsn/internal/dsn"
)

// Bounce describes a delivery failure of a DMARC aggregate report.
type Bounce struct {
	// Sender is the envelope sender of the bounced report, it receives the
	// DSN.
	Sender string
	// Rcpt is the address the report was sent to.
	Rcpt string
	// OrigRcpt is put into Original-Recipient if set.
	OrigRcpt string
	// ReportDomain is used to construct the Subject of the report.
	ReportDomain string
	// Subject overrides the Subject of the report.
	Subject string
	Status  smtp.EnhancedCode
}

// BounceMessage generates a complete DSN message for b.
func BounceMessage(t *testing.T, b Bounce) []byte {
	t.Helper()

	if b.Sender == "" {
		b.Sender = "dmarc-noreply@example.net"
	}
	if b.Status[0] == 0 {
		b.Status = smtp.EnhancedCode{5, 1, 1}
	}

	failedHdr := textproto.Header{}
	failedHdr.Add("From", b.Sender)
	failedHdr.Add("To", b.Rcpt)
	if b.Subject == "" && b.ReportDomain != "" {
		b.Subject = "Report Domain: " + b.ReportDomain + " Submitter: example.net"
	}
	if b.Subject != "" {
		failedHdr.Add("Subject", b.Subject)
	}

	var buf bytes.Buffer
	err := dsn.Write(&buf, false, dsn.Envelope{
		MsgID: "<dsn-test@mx.example.net>",
		From:  "MAILER-DAEMON@mx.example.net",
		To:    b.Sender,
	}, dsn.ReportingMTAInfo{
		ReportingMTA: "mx.example.net",
		ArrivalDate:  time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
	}, []dsn.RecipientInfo{
		{
			OriginalRecipient: b.OrigRcpt,
			FinalRecipient:    b.Rcpt,
			Action:            dsn.ActionFailed,
			Status:            b.Status,
			DiagnosticCode: &smtp.SMTPError{
				Code:         550,
				EnhancedCode: b.Status,
				Message:      "Recipient address rejected",
			},
		},
	}, failedHdr)
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// ErrorReader returns err once the first read happens.
type ErrorReader struct{ Err error }

func (r ErrorReader) Read([]byte) (int, error) {
	if r.Err == nil {
		return 0, errors.New("read error")
	}
	return 0, r.Err
}
