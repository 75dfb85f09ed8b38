package main

import (
	"flag"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	oldArgs := os.Args
	oldFlags := flag.CommandLine
	t.Cleanup(func() {
		os.Args = oldArgs
		flag.CommandLine = oldFlags
	})

	os.Args = append([]string{"inventum-sim"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
}

func TestRun_Help(t *testing.T) {
	withArgs(t, "-help")
	assert.Equal(t, 0, run())
}

func TestRun_MissingDevice(t *testing.T) {
	withArgs(t, "-device", "/nonexistent/inventum-sim-port")
	assert.Equal(t, 2, run())
}

func TestRun_BadConfig(t *testing.T) {
	withArgs(t, "-config", "/nonexistent/inventum.yaml")
	assert.Equal(t, 1, run())
}
