package rref

import (
	"fmt"
	"os"
	"time"

	"4d63.com/tz"
)

// panicOn turns an invariant violation or lifecycle misuse into an
// immediate, loud failure — for errors that are programmer mistakes
// rather than recoverable conditions.
func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// RRefVerbose gates the logf/vv debug output via a package-level bool
// rather than pulling in a structured logging library.
var RRefVerbose = os.Getenv("RREF_VERBOSE") != ""

var logTz *time.Location

func init() {
	var err error
	logTz, err = tz.LoadLocation("UTC")
	panicOn(err)
}

const logTimeFormat = "2006-01-02 15:04:05.000000000Z07:00"

// logf prints a timestamped diagnostic line when RRefVerbose is set.
// Always-on (lifecycle, protocol-race) messages use vv instead.
func logf(format string, a ...interface{}) {
	if !RRefVerbose {
		return
	}
	vv(format, a...)
}

// vv prints unconditionally; used for events worth keeping regardless
// of verbosity (reconciliation sweep findings, remote exceptions).
func vv(format string, a ...interface{}) {
	ts := time.Now().In(logTz).Format(logTimeFormat)
	fmt.Fprintf(os.Stderr, "%s rref: "+format+"\n", append([]interface{}{ts}, a...)...)
}
