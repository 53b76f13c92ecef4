package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// saveLoggerState saves the current logger state for restoration
func saveLoggerState() (io.Writer, logrus.Level, logrus.Formatter) {
	return Logger.Out, Logger.Level, Logger.Formatter
}

// restoreLoggerState restores the logger to its previous state
func restoreLoggerState(out io.Writer, level logrus.Level, formatter logrus.Formatter) {
	Logger.SetOutput(out)
	Logger.SetLevel(level)
	Logger.SetFormatter(formatter)
}

func TestConfigureLogging(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	tests := []struct {
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{"debug", logrus.DebugLevel, false},
		{"info", logrus.InfoLevel, false},
		{"warn", logrus.WarnLevel, false},
		{"error", logrus.ErrorLevel, false},
		{"loud", logrus.ErrorLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := ConfigureLogging(tt.level, false)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParameter) {
					t.Errorf("ConfigureLogging(%q) = %v, want ErrInvalidParameter", tt.level, err)
				}
			} else if err != nil {
				t.Fatalf("ConfigureLogging(%q): %v", tt.level, err)
			}
			if Logger.Level != tt.want {
				t.Errorf("level = %v, want %v", Logger.Level, tt.want)
			}
		})
	}
}

func TestConfigureLoggingJSON(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	var buf bytes.Buffer
	SetLogOutput(&buf)
	if err := ConfigureLogging("info", true); err != nil {
		t.Fatal(err)
	}

	WithDevice("dev1").Infof("route %s", "192.0.2.0/24")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not a JSON line: %q: %v", buf.String(), err)
	}
	if line["device"] != "dev1" || line["msg"] != "route 192.0.2.0/24" {
		t.Errorf("unexpected entry: %v", line)
	}
}

func TestWithTable(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	var buf bytes.Buffer
	SetLogOutput(&buf)
	Logger.SetLevel(logrus.DebugLevel)

	WithTable("dev0", "nexthop", "add").Debug("programmed")

	got := buf.String()
	for _, want := range []string{"device=dev0", "table=nexthop", "op=add", "programmed"} {
		if !strings.Contains(got, want) {
			t.Errorf("log line missing %q: %s", want, got)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	out, level, formatter := saveLoggerState()
	defer restoreLoggerState(out, level, formatter)

	var buf bytes.Buffer
	SetLogOutput(&buf)
	Logger.SetLevel(logrus.WarnLevel)

	Debugf("hidden %d", 1)
	Infof("hidden %d", 2)
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	Warnf("shown %d", 3)
	Errorf("shown %d", 4)
	if strings.Count(buf.String(), "shown") != 2 {
		t.Errorf("expected two lines at warn and above, got: %s", buf.String())
	}
}

func TestWithDevice(t *testing.T) {
	if entry := WithDevice("dev0"); entry.Data["device"] != "dev0" {
		t.Errorf("WithDevice should set device field, got %v", entry.Data)
	}
	if entry := WithFields(map[string]interface{}{"vrf": 3}); entry.Data["vrf"] != 3 {
		t.Errorf("WithFields should set vrf field, got %v", entry.Data)
	}
	if entry := WithField("rif", "rif:0x1"); entry.Data["rif"] != "rif:0x1" {
		t.Errorf("WithField should set rif field, got %v", entry.Data)
	}
}

type testHandle uint64

func (h testHandle) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

func TestWithHandle(t *testing.T) {
	entry := WithHandle("dev2", testHandle(0x500000001))
	if entry.Data["device"] != "dev2" || entry.Data["handle"] != "0x500000001" {
		t.Errorf("WithHandle fields = %v", entry.Data)
	}
}
