package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/samber/lo"

	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
)

// terminalPrompter asks the operator on the terminal whether to retry a blocked operation.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) lockwait.Prompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) FilesInUse(ctx context.Context, ev lockwait.Event) lockwait.Decision {
	if len(ev.Files) > 0 {
		_, _ = fmt.Fprintf(p.out, "Files are in use:\n  %s\n", strings.Join(ev.Files, "\n  "))
	}
	if len(ev.Processes) > 0 {
		names := lo.Map(ev.Processes, func(proc lockwait.Process, _ int) string { return proc.String() })
		_, _ = fmt.Fprintf(p.out, "Close the following programs:\n  %s\n", strings.Join(names, "\n  "))
	}
	answers := make(chan string, 1)
	go func() {
		_, _ = fmt.Fprint(p.out, "[R]etry or [A]bort? ")
		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			line = "a"
		}
		answers <- line
	}()
	select {
	case <-ctx.Done():
		return lockwait.Abort
	case line := <-answers:
		return decide(line)
	}
}

func decide(line string) lockwait.Decision {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "a") {
		return lockwait.Abort
	}
	return lockwait.Retry
}
