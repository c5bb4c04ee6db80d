// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestHexBytesJSON(t *testing.T) {
	in := struct {
		V HexBytes `json:"v"`
	}{HexBytes{0xde, 0xad, 0xbe, 0xef}}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if string(b) != `{"v":"deadbeef"}` {
		t.Errorf("unexpected encoding %s", b)
	}

	var out struct {
		V HexBytes `json:"v"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(out.V, in.V) {
		t.Errorf("got %v, expected %v", out.V, in.V)
	}

	if err := json.Unmarshal([]byte(`{"v":"xyz"}`), &out); err == nil {
		t.Errorf("expected error for invalid hex")
	}
}

func TestFmtBytes(t *testing.T) {
	for _, c := range []struct {
		n      int64
		expect string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{16 << 20, "16 MiB"},
		{-2048, "-2.0 KiB"},
	} {
		if s := FmtBytes(c.n); s != c.expect {
			t.Errorf("FmtBytes(%d) = %q, expected %q", c.n, s, c.expect)
		}
	}
}

func TestReportingReader(t *testing.T) {
	src := strings.Repeat("x", 10000)
	r := &ReportingReader{R: strings.NewReader(src), Msg: "test"}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if string(b) != src {
		t.Errorf("read mismatch")
	}
	if r.BytesRead() != int64(len(src)) {
		t.Errorf("BytesRead %d, expected %d", r.BytesRead(), len(src))
	}
	if err := r.Close(); err != nil {
		t.Errorf("close: %s", err)
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(false, false)
	l.SetOutput(&buf)
	l.Verbose("hidden")
	l.Warning("shown %d", 42)
	l.Error("bad")

	s := buf.String()
	if strings.Contains(s, "hidden") {
		t.Errorf("verbose output emitted when disabled: %q", s)
	}
	if !strings.Contains(s, "shown 42") {
		t.Errorf("warning missing: %q", s)
	}
	if !strings.Contains(s, "util/util_test.go:") {
		t.Errorf("source location missing: %q", s)
	}
	if l.NErrors() != 1 {
		t.Errorf("NErrors = %d, expected 1", l.NErrors())
	}

	var nl *Logger
	nl.Debug("nil loggers are fine")
}
