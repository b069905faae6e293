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

package dsn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
)

// ErrNotReport is returned by Parse for messages that have no
// delivery-status part.
var ErrNotReport = errors.New("dsn: no delivery-status part in message")

// maxStatusSize limits the amount of data read from the delivery-status
// part.
const maxStatusSize = 256 * 1024

// Report is the parsed machine-readable content of a DSN.
type Report struct {
	Header textproto.Header

	ReportingMTA string
	ArrivalDate  time.Time

	Recipients []Recipient

	// OriginalHeader is the header of the returned message, if the DSN
	// includes it (as message/rfc822, text/rfc822-headers or their
	// internationalized variants).
	OriginalHeader textproto.Header
}

// Recipient is the per-recipient section of a delivery-status part.
//
// Address type prefixes ("rfc822;") are removed from OriginalRecipient
// and FinalRecipient.
type Recipient struct {
	OriginalRecipient string
	FinalRecipient    string
	Action            Action
	Status            smtp.EnhancedCode
	StatusText        string
	DiagnosticCode    string
	RemoteMTA         string
}

// Address returns the most specific known address of the recipient:
// Original-Recipient if present, Final-Recipient otherwise.
func (r Recipient) Address() string {
	if r.OriginalRecipient != "" {
		return r.OriginalRecipient
	}
	return r.FinalRecipient
}

// OriginalSubject returns the decoded Subject of the returned message.
func (r *Report) OriginalSubject() string {
	h := gomail.Header{Header: message.Header{Header: r.OriginalHeader}}
	subject, err := h.Subject()
	if err != nil {
		return r.OriginalHeader.Get("Subject")
	}
	return subject
}

// Parse reads a DSN message and extracts its delivery-status fields.
//
// Messages with unknown charsets or transfer encodings are accepted as long
// as the delivery-status part itself is readable.
func Parse(r io.Reader) (*Report, error) {
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("dsn: %w", err)
	}

	rep := &Report{Header: ent.Header.Header}
	found := false
	err = ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}

		mediaType, _, _ := part.Header.ContentType()
		switch mediaType {
		case "message/delivery-status", "message/global-delivery-status":
			if found {
				return nil
			}
			found = true
			return rep.readStatus(part.Body)
		case "message/rfc822", "text/rfc822-headers", "message/global", "message/global-headers":
			if rep.OriginalHeader.Len() != 0 {
				return nil
			}
			hdr, err := textproto.ReadHeader(bufio.NewReader(part.Body))
			if err != nil {
				// Truncated copy of the original message, not fatal.
				return nil
			}
			rep.OriginalHeader = hdr
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}
	if !found {
		return nil, ErrNotReport
	}

	return rep, nil
}

func (rep *Report) readStatus(body io.Reader) error {
	blob, err := io.ReadAll(io.LimitReader(body, maxStatusSize))
	if err != nil {
		return err
	}
	blob = bytes.ReplaceAll(blob, []byte("\r\n"), []byte("\n"))

	for i, block := range splitBlocks(string(blob)) {
		hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block + "\n\n")))
		if err != nil {
			return fmt.Errorf("malformed delivery-status block %d: %w", i, err)
		}

		// The first block is per-message fields, but some MTAs omit it. Detect
		// per-recipient blocks by the mandatory Final-Recipient field.
		if hdr.Get("Final-Recipient") == "" && hdr.Get("Original-Recipient") == "" {
			if i == 0 {
				rep.ReportingMTA = stripType(hdr.Get("Reporting-MTA"))
				if date := hdr.Get("Arrival-Date"); date != "" {
					rep.ArrivalDate, _ = mail.ParseDate(date)
				}
			}
			continue
		}

		rcpt := Recipient{
			OriginalRecipient: stripType(hdr.Get("Original-Recipient")),
			FinalRecipient:    stripType(hdr.Get("Final-Recipient")),
			Action:            Action(strings.ToLower(strings.TrimSpace(hdr.Get("Action")))),
			StatusText:        strings.TrimSpace(hdr.Get("Status")),
			DiagnosticCode:    unfold(hdr.Get("Diagnostic-Code")),
			RemoteMTA:         stripType(hdr.Get("Remote-MTA")),
		}
		rcpt.Status, _ = parseStatus(rcpt.StatusText)
		rep.Recipients = append(rep.Recipients, rcpt)
	}

	return nil
}

// splitBlocks splits the delivery-status body into groups of fields
// separated by empty lines.
func splitBlocks(s string) []string {
	var blocks []string
	for _, block := range strings.Split(s, "\n\n") {
		block = strings.Trim(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// stripType removes the address-type or MTA-name-type prefix from the
// field value, "rfc822; user@example.org" becomes "user@example.org".
func stripType(val string) string {
	val = unfold(val)
	if indx := strings.IndexByte(val, ';'); indx != -1 {
		val = val[indx+1:]
	}
	val = strings.TrimSpace(val)
	val = strings.TrimPrefix(val, "<")
	val = strings.TrimSuffix(val, ">")
	return val
}

func unfold(val string) string {
	return strings.Join(strings.Fields(val), " ")
}

func parseStatus(s string) (smtp.EnhancedCode, error) {
	// Ignore trailing comments, "5.1.1 (bad destination mailbox)".
	if indx := strings.IndexAny(s, " \t("); indx != -1 {
		s = s[:indx]
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return smtp.EnhancedCode{}, fmt.Errorf("dsn: malformed status: %q", s)
	}
	var code smtp.EnhancedCode
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 || num > 999 {
			return smtp.EnhancedCode{}, fmt.Errorf("dsn: malformed status: %q", s)
		}
		code[i] = num
	}
	if code[0] != 2 && code[0] != 4 && code[0] != 5 {
		return smtp.EnhancedCode{}, fmt.Errorf("dsn: malformed status class: %q", s)
	}
	return code, nil
}
