// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pintel

import (
	"bytes"
	"strings"
	"testing"
)

func TestSubLogger(t *testing.T) {
	var buf bytes.Buffer
	lm, err := NewLoggerMaker(&buf, "info")
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}

	log := lm.NewLogger("CORE")
	sub := log.SubLogger("WS")
	sub.Infof("transport up")
	if !strings.Contains(buf.String(), "CORE[WS]") {
		t.Fatalf("sublogger subsystem tag missing: %q", buf.String())
	}

	// The sublogger inherits the parent's level.
	sub.Debugf("should be filtered")
	if strings.Contains(buf.String(), "should be filtered") {
		t.Fatal("sublogger did not inherit the info level")
	}

	// Subloggers nest.
	buf.Reset()
	sub.SubLogger("AUTH").Warnf("challenge retry")
	if !strings.Contains(buf.String(), "CORE[WS][AUTH]") {
		t.Fatalf("nested sublogger tag missing: %q", buf.String())
	}
}

func TestLoggerMakerLevels(t *testing.T) {
	var buf bytes.Buffer
	lm, err := NewLoggerMaker(&buf, "CORE=warn,RELAY=trace")
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}

	core := lm.NewLogger("CORE", lm.Levels["CORE"])
	core.Infof("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info emitted at warn level: %q", buf.String())
	}
	core.Warnf("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatal("warn not emitted at warn level")
	}

	if _, err := NewLoggerMaker(&buf, "nonsense-level"); err == nil {
		t.Fatal("bad level accepted")
	}
}

func TestLoggerMakerTimestampModes(t *testing.T) {
	for _, utc := range []bool{true, false} {
		var buf bytes.Buffer
		lm, err := NewLoggerMaker(&buf, "info", utc)
		if err != nil {
			t.Fatalf("NewLoggerMaker(utc=%v) error: %v", utc, err)
		}
		lm.NewLogger("TS").Infof("stamp")
		if buf.Len() == 0 {
			t.Fatalf("no output with utc=%v", utc)
		}
	}
}
