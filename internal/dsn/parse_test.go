package dsn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
)

const postfixBounce = `Return-Path: <>
From: MAILER-DAEMON@mx.example.net (Mail Delivery System)
Subject: Undelivered Mail Returned to Sender
To: dmarc-noreply+rua=example.org@example.net
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
	boundary="B8C2D1E0F.1700000000/mx.example.net"

This is a MIME-encapsulated message.

--B8C2D1E0F.1700000000/mx.example.net
Content-Description: Notification
Content-Type: text/plain; charset=us-ascii

This is the mail system at host mx.example.net.

I'm sorry to have to inform you that your message could not
be delivered to one or more recipients.

--B8C2D1E0F.1700000000/mx.example.net
Content-Description: Delivery report
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.net
X-Postfix-Queue-ID: B8C2D1E0F
Arrival-Date: Tue, 14 Nov 2023 22:13:20 +0000 (UTC)

Final-Recipient: rfc822; rua@example.org
Original-Recipient: rfc822;RUA@Example.org
Action: failed
Status: 5.1.1
Remote-MTA: dns; mail.example.org
Diagnostic-Code: smtp; 550 5.1.1 <rua@example.org>: Recipient address
    rejected: User unknown in virtual mailbox table

--B8C2D1E0F.1700000000/mx.example.net
Content-Description: Undelivered Message
Content-Type: message/rfc822

From: dmarc-noreply@example.net
To: rua@example.org
Subject: Report Domain: example.net Submitter: example.net Report-ID: <1700000000.example.net>
Content-Type: text/plain

report body

--B8C2D1E0F.1700000000/mx.example.net--
`

func TestParsePostfix(t *testing.T) {
	rep, err := Parse(strings.NewReader(postfixBounce))
	if err != nil {
		t.Fatal(err)
	}

	if rep.ReportingMTA != "mx.example.net" {
		t.Errorf("wrong Reporting-MTA: %q", rep.ReportingMTA)
	}
	if rep.ArrivalDate.IsZero() {
		t.Errorf("Arrival-Date not parsed")
	}
	if len(rep.Recipients) != 1 {
		t.Fatalf("expected 1 recipient, got %d", len(rep.Recipients))
	}

	rcpt := rep.Recipients[0]
	if rcpt.OriginalRecipient != "RUA@Example.org" {
		t.Errorf("wrong Original-Recipient: %q", rcpt.OriginalRecipient)
	}
	if rcpt.FinalRecipient != "rua@example.org" {
		t.Errorf("wrong Final-Recipient: %q", rcpt.FinalRecipient)
	}
	if rcpt.Address() != "RUA@Example.org" {
		t.Errorf("Address should prefer Original-Recipient, got %q", rcpt.Address())
	}
	if rcpt.Action != ActionFailed {
		t.Errorf("wrong Action: %q", rcpt.Action)
	}
	if rcpt.Status != (smtp.EnhancedCode{5, 1, 1}) {
		t.Errorf("wrong Status: %v", rcpt.Status)
	}
	if rcpt.RemoteMTA != "mail.example.org" {
		t.Errorf("wrong Remote-MTA: %q", rcpt.RemoteMTA)
	}
	wantDiag := "smtp; 550 5.1.1 <rua@example.org>: Recipient address rejected: User unknown in virtual mailbox table"
	if rcpt.DiagnosticCode != wantDiag {
		t.Errorf("wrong Diagnostic-Code:\nwant %q\n got %q", wantDiag, rcpt.DiagnosticCode)
	}

	wantSubj := "Report Domain: example.net Submitter: example.net Report-ID: <1700000000.example.net>"
	if subj := rep.OriginalSubject(); subj != wantSubj {
		t.Errorf("wrong original subject:\nwant %q\n got %q", wantSubj, subj)
	}
}

func TestParseGenerated(t *testing.T) {
	failedHdr := textproto.Header{}
	failedHdr.Add("Subject", "=?utf-8?q?Report_Domain:_example.net_Submitter:_example.net?=")
	failedHdr.Add("From", "dmarc-noreply@example.net")

	var buf bytes.Buffer
	err := Write(&buf, false, Envelope{
		MsgID: "<dsn-1@mx.example.net>",
		From:  "MAILER-DAEMON@mx.example.net",
		To:    "dmarc-noreply@example.net",
	}, ReportingMTAInfo{
		ReportingMTA:    "mx.example.net",
		ArrivalDate:     time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		LastAttemptDate: time.Date(2023, 11, 14, 22, 13, 21, 0, time.UTC),
	}, []RecipientInfo{
		{
			OriginalRecipient: "rua@тест.example.org",
			FinalRecipient:    "rua@тест.example.org",
			Action:            ActionFailed,
			Status:            smtp.EnhancedCode{5, 4, 4},
			DiagnosticCode:    errors.New("Host not found"),
		},
		{
			FinalRecipient: "ruf@example.com",
			RemoteMTA:      "mx.example.com",
			Action:         ActionDelayed,
			Status:         smtp.EnhancedCode{4, 4, 1},
			DiagnosticCode: &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 4, 1},
				Message:      "Try again\nlater",
			},
		},
	}, failedHdr)
	if err != nil {
		t.Fatal(err)
	}

	rep, err := Parse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %d: %+v", len(rep.Recipients), rep.Recipients)
	}

	first := rep.Recipients[0]
	if first.OriginalRecipient != "rua@xn--e1aybc.example.org" {
		t.Errorf("wrong Original-Recipient: %q", first.OriginalRecipient)
	}
	if first.Status != (smtp.EnhancedCode{5, 4, 4}) || first.Action != ActionFailed {
		t.Errorf("wrong status/action: %v %v", first.Status, first.Action)
	}
	if first.DiagnosticCode != "X-Unix; Host not found" {
		t.Errorf("wrong Diagnostic-Code: %q", first.DiagnosticCode)
	}

	second := rep.Recipients[1]
	if second.Address() != "ruf@example.com" {
		t.Errorf("Address should fall back to Final-Recipient, got %q", second.Address())
	}
	if second.DiagnosticCode != "smtp; 451 4.4.1 Try again later" {
		t.Errorf("wrong Diagnostic-Code: %q", second.DiagnosticCode)
	}
	if second.RemoteMTA != "mx.example.com" {
		t.Errorf("wrong Remote-MTA: %q", second.RemoteMTA)
	}

	if subj := rep.OriginalSubject(); subj != "Report Domain: example.net Submitter: example.net" {
		t.Errorf("encoded subject not decoded: %q", subj)
	}
}

func TestParseNotReport(t *testing.T) {
	msg := "From: someone@example.org\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n"
	_, err := Parse(strings.NewReader(msg))
	if !errors.Is(err, ErrNotReport) {
		t.Fatalf("expected ErrNotReport, got %v", err)
	}

	_, err = Parse(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestParseStatus(t *testing.T) {
	test := func(in string, want smtp.EnhancedCode, fail bool) {
		t.Helper()
		got, err := parseStatus(in)
		if (err != nil) != fail {
			t.Errorf("parseStatus(%q): unexpected error state: %v", in, err)
			return
		}
		if got != want {
			t.Errorf("parseStatus(%q) = %v, want %v", in, got, want)
		}
	}

	test("5.1.1", smtp.EnhancedCode{5, 1, 1}, false)
	test("4.4.7 (delivery time expired)", smtp.EnhancedCode{4, 4, 7}, false)
	test("2.0.0", smtp.EnhancedCode{2, 0, 0}, false)
	test("3.0.0", smtp.EnhancedCode{}, true)
	test("5.1", smtp.EnhancedCode{}, true)
	test("x.y.z", smtp.EnhancedCode{}, true)
	test("", smtp.EnhancedCode{}, true)
}
