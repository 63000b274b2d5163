package main

import (
	"bytes"
	"io"
	"testing"
)

// runCLI runs the app with args and returns what it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"vaultwatch"}, args...))
	return buf.String(), err
}
