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

// Package bounce turns one delivery status notification for a DMARC
// aggregate report into one marker update.
package bounce

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/foxcpp/dmarc-dsn/framework/address"
	"github.com/foxcpp/dmarc-dsn/framework/dns"
	"github.com/foxcpp/dmarc-dsn/framework/exterrors"
	"github.com/foxcpp/dmarc-dsn/internal/dsn"
	"github.com/foxcpp/dmarc-dsn/internal/marker"
)

var ErrMalformedBounce = errors.New("bounce: malformed bounce")

// Reasons used for MalformedError and for names of saved messages.
const (
	ReasonNoDomain       = "no_domain"
	ReasonNoDSNDetails   = "no_dsn_details"
	ReasonTooLarge       = "too_large"
	ReasonSubjectNoMatch = "no_subject_re_match"
	ReasonSubjectDomain  = "no_subject_domainname"
)

// MalformedError is returned when no usable domain can be recovered from
// the bounce. It matches ErrMalformedBounce with errors.Is.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bounce: malformed bounce (%s)", e.Reason)
	}
	return fmt.Sprintf("bounce: malformed bounce (%s): %v", e.Reason, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedBounce
}

// ExitCode is EX_DATAERR, a permanent failure. The MTA must not retry the
// delivery and must not bounce the bounce.
func (e *MalformedError) ExitCode() int {
	return exterrors.ExitDataErr
}

func (e *MalformedError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"malformed": e.Reason,
	}
}

// ExtractDomain recovers the domain of the original report recipient from
// the VERP-style address the bounce was delivered to.
//
// The extension is the part of the local-part after the first character
// from delims. "sender+rua=example.org@example.net" and
// "sender+example.org@example.net" both yield "example.org". The result is
// normalized with dns.Normalize.
func ExtractDomain(rcpt, delims string) (string, error) {
	_, domain, err := address.DecodeVERP(rcpt, delims)
	if err != nil {
		return "", &MalformedError{Reason: ReasonNoDomain, Err: err}
	}
	norm, err := dns.Normalize(domain)
	if err != nil {
		return "", &MalformedError{Reason: ReasonNoDomain, Err: err}
	}
	return norm, nil
}

var subjectRe = regexp.MustCompile(`^Report [Dd]omain:\s*(\S+)\s+Submitter:\s`)

// ReportDomainFromSubject extracts the domain from the Subject of a DMARC
// aggregate report ("Report Domain: example.org Submitter: ...").
//
// It returns the reason for a failure, suitable for MalformedError.
func ReportDomainFromSubject(subject string) (domain, failReason string) {
	m := subjectRe.FindStringSubmatch(strings.TrimSpace(subject))
	if m == nil {
		return "", ReasonSubjectNoMatch
	}
	norm, err := dns.Normalize(m[1])
	if err != nil {
		return "", ReasonSubjectDomain
	}
	return norm, ""
}

// DomainFromReport picks the domain of the first failed or delayed
// recipient in the delivery-status part. Other actions are used only if
// nothing else is present.
//
// The returned record is filled with the fields of that recipient.
func DomainFromReport(rep *dsn.Report) (string, marker.Record, error) {
	var lastErr error
	for _, pass := range []func(dsn.Action) bool{isFailure, func(dsn.Action) bool { return true }} {
		for _, rcpt := range rep.Recipients {
			if !pass(rcpt.Action) {
				continue
			}
			addr := rcpt.Address()
			_, domain, err := address.Split(addr)
			if err != nil {
				lastErr = err
				continue
			}
			norm, err := dns.Normalize(domain)
			if err != nil {
				lastErr = err
				continue
			}
			return norm, recipientRecord(rcpt), nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no recipients in delivery-status")
	}
	return "", marker.Record{}, &MalformedError{Reason: ReasonNoDomain, Err: lastErr}
}

func isFailure(a dsn.Action) bool {
	return a == dsn.ActionFailed || a == dsn.ActionDelayed
}

// recordFor returns the record for the recipient section matching domain.
// If there is none, the first failed section is used for its status, but
// its address is dropped since it belongs to another domain.
func recordFor(rep *dsn.Report, domain string) (marker.Record, bool) {
	var fallback *dsn.Recipient
	for i, rcpt := range rep.Recipients {
		_, rcptDomain, err := address.Split(rcpt.Address())
		if err == nil && dns.Equal(rcptDomain, domain) {
			return recipientRecord(rcpt), true
		}
		if fallback == nil && isFailure(rcpt.Action) {
			fallback = &rep.Recipients[i]
		}
	}
	if fallback == nil {
		return marker.Record{}, false
	}
	rec := recipientRecord(*fallback)
	rec.OrigRcpt = ""
	return rec, true
}

func recipientRecord(rcpt dsn.Recipient) marker.Record {
	return marker.Record{
		OrigRcpt: rcpt.Address(),
		Action:   string(rcpt.Action),
		Status:   rcpt.StatusText,
		DiagCode: rcpt.DiagnosticCode,
	}
}
