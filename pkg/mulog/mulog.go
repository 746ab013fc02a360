// Package `mulog` provides a minimal Zap-Sugar-like logger with convenient
// structured logging `Levelw(msg, kv...)` functions.
//
// Lines are tagged with the severity in brackets, like `[INFO]: msg k=v`.
package mulog

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// `Printer` prints undecorated messages to `W`, or to stderr if `W` is nil.
type Printer struct {
	W io.Writer
}

func (p Printer) out() io.Writer {
	if p.W == nil {
		return os.Stderr
	}
	return p.W
}

func (p Printer) Infow(msg string, kv ...interface{}) {
	fmt.Fprintln(p.out(), format("INFO", msg, kv))
}

func (p Printer) Warnw(msg string, kv ...interface{}) {
	fmt.Fprintln(p.out(), format("WARN", msg, kv))
}

func (p Printer) Errorw(msg string, kv ...interface{}) {
	fmt.Fprintln(p.out(), format("ERROR", msg, kv))
}

func format(level, msg string, kv []interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]: %s", level, msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, " %v=<missing>", kv[i])
		}
	}
	return b.String()
}
