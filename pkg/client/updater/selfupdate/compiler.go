package selfupdate

import (
	"context"

	"github.com/unbasical/doras-installer/pkg/client/updater/hooks"
)

// CommandCompiler compiles an executable by running Command with Args followed by the executable,
// e.g. ngen.exe install.
type CommandCompiler struct {
	Runner  hooks.Runner
	Command string
	Args    []string
}

func (c *CommandCompiler) Compile(ctx context.Context, exe string) error {
	args := append(append([]string{}, c.Args...), exe)
	return c.Runner.Run(ctx, c.Command, args)
}
