package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-installer/pkg/client/updater"
	"github.com/unbasical/doras-installer/pkg/client/updater/hooks"
	"github.com/unbasical/doras-installer/pkg/client/updater/selfupdate"
)

// apply runs an update session and returns the exit code of the process.
func (args *cliArgs) apply(ctx context.Context) (int, error) {
	var expected digest.Digest
	if args.Apply.Digest != "" {
		d, err := digest.Parse(args.Apply.Digest)
		if err != nil {
			return exitFailed, fmt.Errorf("invalid package digest: %w", err)
		}
		expected = d
	}
	options := []func(*updater.Client){progressLogger(time.Second)}
	if len(args.Apply.CompileCommand) > 0 {
		options = append(options, updater.WithCompiler(&selfupdate.CommandCompiler{
			Runner:  hooks.NewExecRunner(),
			Command: args.Apply.CompileCommand[0],
			Args:    args.Apply.CompileCommand[1:],
		}))
	}
	client, closeLog, err := args.client(options...)
	if err != nil {
		return exitFailed, err
	}
	defer closeLog()

	log.WithField("package", args.Apply.Package).Info("applying update package")
	res, err := client.Apply(ctx, args.Apply.Package, expected)
	if res == nil {
		return exitFailed, err
	}
	logger := log.WithField("outcome", res.Outcome.String()).WithField("version", res.Version)
	if res.FallbackUsed {
		logger = logger.WithField("fallback", true)
	}
	switch res.Outcome {
	case updater.OutcomeSuccess:
		logger.Info("update applied")
		if err := res.Compilation.Wait(); err != nil {
			log.WithError(err).Warn("compilation of the updater failed")
		}
		return exitOK, nil
	case updater.OutcomeRelaunch:
		copyPath, err := client.RelaunchFromTemp(ctx, os.Args[1:])
		if err != nil {
			return exitFailed, fmt.Errorf("relaunching from a temporary copy: %w", err)
		}
		logger.WithField("copy", copyPath).Info("session continues in the temporary copy")
		return exitOK, nil
	case updater.OutcomeCancelled:
		logger.WithField("state", res.FailedState.String()).WithField("rolled-back", res.RolledBack).Warn("update cancelled")
		return exitCancelled, nil
	}
	logger.WithField("state", res.FailedState.String()).WithField("rolled-back", res.RolledBack).Error("update failed")
	if errors.Is(err, updater.ErrCancelled) {
		return exitCancelled, err
	}
	return exitFailed, err
}

func (args *cliArgs) recover(ctx context.Context) error {
	client, closeLog, err := args.client()
	if err != nil {
		return err
	}
	defer closeLog()
	domains, err := client.Recover(ctx)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		log.Info("no interrupted session found")
		return nil
	}
	log.WithField("rolled-back", domains).Info("interrupted session rolled back")
	return nil
}

func (args *cliArgs) uninstall(ctx context.Context) error {
	client, closeLog, err := args.client()
	if err != nil {
		return err
	}
	defer closeLog()
	domains, err := client.Uninstall(ctx)
	if err != nil {
		return err
	}
	log.WithField("removed", domains).Info("product uninstalled")
	return nil
}

func (args *cliArgs) status() error {
	args.config.Log.File = ""
	client, closeLog, err := args.client()
	if err != nil {
		return err
	}
	defer closeLog()
	st, err := client.Installed()
	if err != nil {
		return err
	}
	if st.Version == "" {
		fmt.Println("no version installed")
	} else {
		fmt.Printf("version:    %s\nupdated:    %s\ndirhash:    %s\n", st.Version, humanize.Time(st.UpdatedAt), st.DirectoryHash)
	}
	if f, ok := st.LastFailure(); ok {
		fmt.Printf("last failure: %s in %s (%s, %s): %s\n", f.Version, f.State, f.Kind, humanize.Time(f.At), f.Message)
	}
	return nil
}
