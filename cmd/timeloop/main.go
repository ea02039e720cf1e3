package main

import (
	"context"
	"io"
	"os"
	"os/signal"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(arguments []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	defer app.close()

	root := newRootCommand(app)
	root.SetArgs(arguments)
	root.SetOut(stdout)
	root.SetErr(stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		return writeError(stdout, stderr, err, app.flags.json)
	}
	return exitOK
}
