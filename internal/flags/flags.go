// Package flags provides the urfave/cli/v2 app scaffold shared by
// cmd/syncnode and cmd/broker, in the same calling convention the
// teacher's cmd/mive/main.go uses (flags.NewApp(usage)).
package flags

import (
	"github.com/urfave/cli/v2"

	"github.com/meshdb/syncd/internal/version"
)

// LoggingCategory groups the logging-related flags in --help output.
const LoggingCategory = "LOGGING"

// NewApp creates an app with sane defaults: name, usage, version, and
// a no-op default action; urfave/cli's own help template is kept.
func NewApp(usage string) *cli.App {
	app := cli.NewApp()
	app.Name = "syncd"
	app.HelpName = app.Name
	app.Usage = usage
	app.Version = version.WithCommit()
	app.Action = func(ctx *cli.Context) error {
		return nil
	}
	return app
}
