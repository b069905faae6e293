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

package address

import (
	"errors"
	"strings"
)

var (
	ErrNoDomain    = errors.New("address: missing domain part")
	ErrNoExtension = errors.New("address: no extension in local-part")
)

// DefaultDelimiters is the recipient_delimiter value used when none is
// configured.
const DefaultDelimiters = "+"

// SplitExtension splits the local-part into the base mailbox and the address
// extension.
//
// The local-part is split at the first occurrence of any character from
// delims, following Postfix recipient_delimiter semantics. ok is false if
// no delimiter is present or delims is empty.
func SplitExtension(mbox, delims string) (base, ext string, ok bool) {
	if delims == "" {
		return mbox, "", false
	}
	indx := strings.IndexAny(mbox, delims)
	if indx == -1 {
		return mbox, "", false
	}
	return mbox[:indx], mbox[indx+1:], true
}

// DecodeVERP recovers the recipient encoded into the extension of a VERP
// return address.
//
// For "sender+rua=example.org@reports.example.net" it returns mailbox
// "rua" and domain "example.org". Extensions without '=' carry only a
// domain: "sender+example.org@reports.example.net" yields mailbox "" and
// domain "example.org".
//
// The returned domain is not validated.
func DecodeVERP(addr, delims string) (mailbox, domain string, err error) {
	mbox, _, err := Split(addr)
	if err != nil {
		return "", "", err
	}
	if unquoted, err := UnquoteMbox(mbox); err == nil {
		mbox = unquoted
	}

	_, ext, ok := SplitExtension(mbox, delims)
	if !ok || ext == "" {
		return "", "", ErrNoExtension
	}

	indx := strings.LastIndexByte(ext, '=')
	if indx == -1 {
		return "", ext, nil
	}
	mailbox, domain = ext[:indx], ext[indx+1:]
	if domain == "" {
		return "", "", ErrNoDomain
	}
	return mailbox, domain, nil
}
