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
	"strings"

	"github.com/foxcpp/dmarc-dsn/framework/dns"
	"golang.org/x/text/unicode/norm"
)

// ForTable converts the address into the form written into MTA lookup
// tables: lower-case local-part and the domain normalized by dns.Normalize
// (A-labels).
//
// Only addresses with a domain part are accepted.
func ForTable(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return "", ErrNoDomain
	}

	aDomain, err := dns.Normalize(domain)
	if err != nil {
		return "", err
	}

	return strings.ToLower(norm.NFC.String(mbox)) + "@" + aDomain, nil
}
