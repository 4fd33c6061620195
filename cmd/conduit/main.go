package main

import (
	"context"
	"os"
	"strings"

	"github.com/flarebyte/conduit/cmd/conduit/root"
	"github.com/flarebyte/conduit/internal/errors"
)

type exitCoder interface {
	ExitCode() int
}

func main() {
	if err := root.Execute(context.Background(), os.Args[1:]); err != nil {
		// Print a short, single-line error to stderr on failures.
		// Do not print usage or stack traces.
		msg := strings.Join(strings.Fields(err.Error()), " ")
		if msg == "" {
			msg = "error"
		}
		for _, hint := range errors.GetAllHints(err) {
			msg += " (hint: " + hint + ")"
		}
		_, _ = os.Stderr.WriteString(msg + "\n")
		code := 1
		var ec exitCoder
		if errors.As(err, &ec) {
			if c := ec.ExitCode(); c != 0 {
				code = c
			}
		}
		os.Exit(code)
	}
}
