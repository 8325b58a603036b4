package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/buildcache"
)

func TestAttrsSortedAndLevelFiltered(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("dropped", buildcache.Fields{"a": 1})
	l.Info("batch flushed", buildcache.Fields{"size": 4, "reason": "wait"})

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug entry written: %s", out)
	}
	if !strings.Contains(out, `msg="batch flushed" reason=wait size=4`) {
		t.Fatalf("unexpected output: %s", out)
	}
}
