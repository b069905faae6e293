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

package bounce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foxcpp/dmarc-dsn/framework/address"
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	"github.com/foxcpp/dmarc-dsn/framework/log"
	"github.com/foxcpp/dmarc-dsn/internal/atomicfile"
	"github.com/foxcpp/dmarc-dsn/internal/dsn"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
	"github.com/google/uuid"
)

// SavedDir is the subdirectory of the data directory that receives
// messages that could not be processed.
const SavedDir = "saved"

// MaxMessageSize is the maximum size of a bounce message that is accepted.
const MaxMessageSize = 32 * 1024 * 1024

// Invocation is a single delivery of a bounce to the recorder, as done by
// the MTA pipe transport.
type Invocation struct {
	// Recipient is the envelope recipient of the bounce, that is the VERP
	// return path of the original report.
	Recipient string
	// Sender is the envelope sender of the bounce, usually empty.
	Sender  string
	QueueID string
	Message io.Reader
}

// Result describes a successfully recorded bounce.
type Result struct {
	Domain string
	// Source is "verp" if the domain was decoded from the recipient address
	// and "dsn" if it was taken from the delivery-status part.
	Source string
	Record marker.Record
}

type Recorder struct {
	Store   marker.Store
	DataDir string
	// Delims is the set of address extension delimiters, as in the Postfix
	// recipient_delimiter. address.DefaultDelimiters if empty.
	Delims string
	Log    log.Logger
}

func (r *Recorder) delims() string {
	if r.Delims == "" {
		return address.DefaultDelimiters
	}
	return r.Delims
}

// Record extracts the domain from the bounce and touches its marker.
//
// If no domain can be recovered, the message is saved into the saved/
// directory and a *MalformedError is returned. Store failures are returned
// as is and are temporary.
func (r *Recorder) Record(ctx context.Context, inv Invocation) (Result, error) {
	raw, err := io.ReadAll(io.LimitReader(inv.Message, MaxMessageSize+1))
	if err != nil {
		return Result{}, exterrors.WithTemporary(fmt.Errorf("bounce: cannot read message: %w", err), true)
	}
	if len(raw) > MaxMessageSize {
		return Result{}, r.malformed(inv, raw, &MalformedError{Reason: ReasonTooLarge})
	}

	rep, parseErr := dsn.Parse(bytes.NewReader(raw))
	if parseErr != nil {
		r.Log.DebugMsg("no delivery-status", "reason", parseErr.Error(), "queue_id", inv.QueueID)
	}

	res := Result{Record: marker.Record{QueueID: inv.QueueID}}

	domain, verpErr := ExtractDomain(inv.Recipient, r.delims())
	switch {
	case verpErr == nil:
		res.Domain = domain
		res.Source = "verp"
		if rep != nil {
			if rec, ok := recordFor(rep, domain); ok {
				res.Record = rec
			}
		}
	case rep != nil:
		r.Log.DebugMsg("no domain in recipient extension", "rcpt", inv.Recipient, "reason", verpErr.Error())
		domain, rec, err := DomainFromReport(rep)
		if err != nil {
			return Result{}, r.malformed(inv, raw, err)
		}
		res.Domain = domain
		res.Source = "dsn"
		res.Record = rec
	default:
		return Result{}, r.malformed(inv, raw, &MalformedError{Reason: ReasonNoDSNDetails, Err: parseErr})
	}
	res.Record.QueueID = inv.QueueID

	if rep != nil && rep.OriginalHeader.Has("Subject") {
		reportDomain, failReason := ReportDomainFromSubject(rep.OriginalSubject())
		if failReason != "" {
			r.Log.Msg("unexpected subject, probably not a DSN for a DMARC report",
				"subject", rep.OriginalSubject(), "queue_id", inv.QueueID)
			r.save(inv, raw, failReason)
		}
		res.Record.ReportDomain = reportDomain
	}

	if err := r.Store.Touch(ctx, res.Domain, &res.Record); err != nil {
		if errors.Is(err, marker.ErrInvalidDomain) {
			return Result{}, r.malformed(inv, raw, &MalformedError{Reason: ReasonNoDomain, Err: err})
		}
		return Result{}, err
	}

	r.Log.Msg("bounce recorded",
		"domain", res.Domain,
		"source", res.Source,
		"queue_id", inv.QueueID,
		"orig_rcpt", res.Record.OrigRcpt,
		"status", res.Record.Status,
		"report_domain", res.Record.ReportDomain,
	)
	return res, nil
}

func (r *Recorder) malformed(inv Invocation, raw []byte, err error) error {
	var merr *MalformedError
	reason := ReasonNoDomain
	if errors.As(err, &merr) {
		reason = merr.Reason
	}
	r.save(inv, raw, reason)
	return exterrors.WithFields(err, map[string]interface{}{
		"queue_id": inv.QueueID,
		"rcpt":     inv.Recipient,
	})
}

// save writes the message to DATA_DIR/saved/<queue id>.<reason> for later
// inspection. Failures are only logged.
func (r *Recorder) save(inv Invocation, raw []byte, reason string) {
	dir := filepath.Join(r.DataDir, SavedDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		r.Log.Error("cannot save message", err, "queue_id", inv.QueueID)
		return
	}

	path := filepath.Join(dir, savedName(inv.QueueID)+"."+reason)
	err := atomicfile.Write(path, 0o600, time.Time{}, func(w io.Writer) error {
		_, err := w.Write(raw)
		return err
	})
	if err != nil {
		r.Log.Error("cannot save message", err, "queue_id", inv.QueueID)
		return
	}
	r.Log.DebugMsg("message saved", "path", path)
}

// savedName returns a file name for the queue ID. IDs that can't be used
// as a file name are replaced with a random UUID.
func savedName(queueID string) string {
	if queueID == "" || strings.ContainsAny(queueID, `/\`) || strings.HasPrefix(queueID, ".") {
		return uuid.NewString()
	}
	return queueID
}
