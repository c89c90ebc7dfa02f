// Command terminal-host-pty is the standalone PTY subprocess (spec.md
// §4.B). The daemon execs one instance of this binary per session and
// exchanges length-prefixed binary frames with it over stdin/stdout.
// stderr is reserved for diagnostic logging.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"terminal-host/internal/ptyproc"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("component", "subprocess")

	sp := ptyproc.New(os.Stdin, os.Stdout, entry)
	os.Exit(sp.Run())
}
