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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dsncli "github.com/foxcpp/dmarc-dsn/internal/cli"
	"github.com/foxcpp/dmarc-dsn/internal/testutils"
	"github.com/urfave/cli/v2"
)

// run executes the application with args and returns stdout and the exit
// status.
func run(t *testing.T, stdin []byte, args ...string) (string, int) {
	t.Helper()

	app := dsncli.App()
	var stdout, stderr bytes.Buffer
	app.Reader = bytes.NewReader(stdin)
	app.Writer = &stdout
	app.ErrWriter = &stderr

	code := 0
	origExiter := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	defer func() { cli.OsExiter = origExiter }()

	if err := app.Run(append([]string{"dmarc-dsn", "--log", "off"}, args...)); err != nil && code == 0 {
		code = 1
	}
	if stderr.Len() != 0 {
		t.Log("stderr:", stderr.String())
	}
	return stdout.String(), code
}

func TestRecordAndBuild(t *testing.T) {
	dir := testutils.Dir(t)
	msg := testutils.BounceMessage(t, testutils.Bounce{
		Rcpt:         "rua@example.org",
		ReportDomain: "example.net",
	})

	_, code := run(t, msg, "--data-dir", dir, "record", "--recipient", "dmarc-noreply+rua=example.org@example.net", "Q1")
	if code != 0 {
		t.Fatalf("record failed with %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "domains", "example.org")); err != nil {
		t.Fatal(err)
	}

	out, code := run(t, nil, "--data-dir", dir, "build-table")
	if code != 0 {
		t.Fatalf("build-table failed with %d", code)
	}
	if !strings.Contains(out, "\nexample.org discard:report for example.org bounced ") {
		t.Errorf("wrong table:\n%s", out)
	}

	tablePath := filepath.Join(dir, "dmarc_discard")
	metricsPath := filepath.Join(dir, "dmarc_dsn.prom")
	_, code = run(t, nil, "--data-dir", dir, "build-table", "--min-age", "0", "-o", tablePath, "--metrics-file", metricsPath)
	if code != 0 {
		t.Fatalf("build-table failed with %d", code)
	}
	blob, err := os.ReadFile(tablePath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "example.org") {
		t.Errorf("zero window should produce empty table:\n%s", blob)
	}
	if _, err := os.Stat(metricsPath); err != nil {
		t.Errorf("metrics not written: %v", err)
	}
}

func TestRecordDataDirArgument(t *testing.T) {
	dir := testutils.Dir(t)
	_, code := run(t, []byte("\r\n"), "record", "-r", "dmarc-noreply+example.org@example.net", "Q1", dir)
	if code != 0 {
		t.Fatalf("record failed with %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "domains", "example.org")); err != nil {
		t.Fatal(err)
	}
}

func TestRecordExitCodes(t *testing.T) {
	dir := testutils.Dir(t)

	_, code := run(t, []byte("Subject: test\r\n\r\nhello\r\n"), "--data-dir", dir, "record", "-r", "dmarc-noreply@example.net", "Q1")
	if code != 65 {
		t.Errorf("malformed bounce: expected 65, got %d", code)
	}

	_, code = run(t, []byte("\r\n"), "--data-dir", filepath.Join(dir, "missing"), "record", "-r", "dmarc-noreply+example.org@example.net", "Q1")
	if code != 75 {
		t.Errorf("missing data dir: expected 75, got %d", code)
	}

	_, code = run(t, nil, "--data-dir", dir, "record")
	if code != 64 {
		t.Errorf("missing queue ID: expected 64, got %d", code)
	}
}

func TestBuildTableErrors(t *testing.T) {
	dir := testutils.Dir(t)

	if _, code := run(t, nil, "--data-dir", dir, "build-table", "--min-age", "91"); code != 64 {
		t.Errorf("min-age out of range: expected 64, got %d", code)
	}
	if _, code := run(t, nil, "--data-dir", dir, "build-table", "--key-format", "verp"); code != 64 {
		t.Errorf("verp without sender: expected 64, got %d", code)
	}

	tablePath := filepath.Join(dir, "table")
	_, code := run(t, nil, "--data-dir", filepath.Join(dir, "missing"), "build-table", "-o", tablePath)
	if code == 0 {
		t.Errorf("missing data dir should fail")
	}
	if _, err := os.Stat(tablePath); !os.IsNotExist(err) {
		t.Errorf("table written for unavailable store")
	}
}

func TestMarkersCommands(t *testing.T) {
	dir := testutils.Dir(t)

	if _, code := run(t, nil, "--data-dir", dir, "touch", "--orig-rcpt", "rua@example.org", "Example.org"); code != 0 {
		t.Fatalf("touch failed with %d", code)
	}
	if _, code := run(t, nil, "--data-dir", dir, "touch", "localhost"); code != 1 {
		t.Errorf("invalid domain: expected 1, got %d", code)
	}

	out, code := run(t, nil, "--data-dir", dir, "markers", "list")
	if code != 0 {
		t.Fatalf("list failed with %d", code)
	}
	if !strings.HasPrefix(out, "example.org ") || !strings.Contains(out, "fresh") {
		t.Errorf("wrong list output: %q", out)
	}

	out, code = run(t, nil, "--data-dir", dir, "markers", "show", "example.org")
	if code != 0 {
		t.Fatalf("show failed with %d", code)
	}
	if !strings.Contains(out, `"orig_rcpt":"rua@example.org"`) {
		t.Errorf("wrong show output: %q", out)
	}

	if _, code := run(t, nil, "--data-dir", dir, "markers", "show", "example.com"); code != 1 {
		t.Errorf("missing marker: expected 1, got %d", code)
	}

	// Fresh marker is not pruned.
	if _, code := run(t, nil, "--data-dir", dir, "markers", "prune", "--older-than", "1", "-y"); code != 0 {
		t.Fatalf("prune failed with %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "domains", "example.org")); err != nil {
		t.Errorf("fresh marker removed: %v", err)
	}
}

func TestSampleDSNRoundtrip(t *testing.T) {
	dir := testutils.Dir(t)

	msg, code := run(t, nil, "sample-dsn", "--rcpt", "rua@bounced.example")
	if code != 0 {
		t.Fatalf("sample-dsn failed with %d", code)
	}

	// No VERP extension, the domain comes from the DSN itself.
	_, code = run(t, []byte(msg), "--data-dir", dir, "record", "-r", "dmarc-noreply@example.net", "Q1")
	if code != 0 {
		t.Fatalf("record failed with %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "domains", "bounced.example")); err != nil {
		t.Fatal(err)
	}
}

func TestLogTargets(t *testing.T) {
	dir := testutils.Dir(t)
	logPath := filepath.Join(dir, "dsn.log")
	msg := testutils.BounceMessage(t, testutils.Bounce{Rcpt: "rua@example.org"})

	_, code := run(t, msg, "--log", logPath+",off", "--log-format", "json", "--data-dir", dir,
		"record", "--recipient", "dmarc-noreply+rua=example.org@example.net", "Q1")
	if code != 0 {
		t.Fatalf("record failed with %d", code)
	}

	blob, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(blob)), "\n") {
		var ent struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &ent); err != nil {
			t.Fatalf("not a JSON line: %q: %v", line, err)
		}
		if ent.Level == "info" && strings.Contains(ent.Message, "bounce recorded") {
			found = true
		}
	}
	if !found {
		t.Errorf("no record message in the log: %q", blob)
	}

	if _, code := run(t, nil, "--log-format", "xml", "--data-dir", dir, "build-table"); code != 64 {
		t.Errorf("bad log format: expected 64, got %d", code)
	}
}

func TestMarkersPruneLegacyNames(t *testing.T) {
	dir := testutils.Dir(t)
	old := time.Now().Add(-40 * 24 * time.Hour)
	testutils.WriteFile(t, dir, filepath.Join("domains", "Example.ORG"), "", old)
	testutils.WriteFile(t, dir, filepath.Join("domains", "Example.NET"), "", old)
	if _, code := run(t, nil, "--data-dir", dir, "touch", "example.net"); code != 0 {
		t.Fatalf("touch failed with %d", code)
	}

	if _, code := run(t, nil, "--data-dir", dir, "markers", "prune", "--older-than", "30", "-y"); code != 0 {
		t.Fatalf("prune failed with %d", code)
	}
	if _, err := os.Stat(filepath.Join(dir, "domains", "Example.ORG")); !os.IsNotExist(err) {
		t.Errorf("old marker is not removed: %v", err)
	}
	// example.net was touched recently, none of its files are removed.
	for _, name := range []string{"Example.NET", "example.net"} {
		if _, err := os.Stat(filepath.Join(dir, "domains", name)); err != nil {
			t.Errorf("%s removed: %v", name, err)
		}
	}
}
