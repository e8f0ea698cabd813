package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/common"
	"github.com/unbasical/doras-installer/configs"
	"github.com/unbasical/doras-installer/internal/pkg/utils/logutils"
	"github.com/unbasical/doras-installer/pkg/client/updater"
	"github.com/unbasical/doras-installer/pkg/client/updater/lockwait"
	"github.com/unbasical/doras-installer/pkg/client/updater/selfupdate"
	"github.com/unbasical/doras-installer/pkg/environment"
)

// Exit codes of the installer.
const (
	exitOK = iota
	exitFailed
	exitCancelled
)

type cliArgs struct {
	ConfigPath  string
	InstallDir  string
	TempDir     string
	StateDir    string
	Product     string
	Interactive bool
	SelfCopyOf  string
	LogLevel    string
	LogFormat   string

	Apply struct {
		Package        string
		Digest         string
		CompileCommand []string
	}
	Pack struct {
		Source     string
		Out        string
		BinaryOnly bool
	}
	Manifest struct {
		In  string
		Out string
	}
	Diff struct {
		From     string
		To       string
		Out      string
		Compress string
	}

	config configs.InstallerConfig
	fs     afero.Fs
}

func main() {
	args := cliArgs{fs: afero.NewOsFs()}
	app := kingpin.New("doras-installer", "Applies update packages to an installed product and rolls back failed sessions").Version(common.Version())
	app.HelpFlag.Short('h')

	app.Flag("config", "path to the installer configuration").Short('c').Envar("DORAS_INSTALLER_CONFIG").StringVar(&args.ConfigPath)
	app.Flag("install-dir", "program directory of the product").Envar("DORAS_INSTALL_DIR").StringVar(&args.InstallDir)
	app.Flag("temp-dir", "staging directory of update sessions").Envar("DORAS_TEMP_DIR").StringVar(&args.TempDir)
	app.Flag("state-dir", "directory of the client record and the uninstall manifest").Envar("DORAS_STATE_DIR").StringVar(&args.StateDir)
	app.Flag("product", "product name used for the data folders").Envar("DORAS_PRODUCT").StringVar(&args.Product)
	app.Flag("interactive", "ask the operator when files or processes block the session").BoolVar(&args.Interactive)
	app.Flag(selfupdate.SelfCopyFlag, "installed updater path, set when running from a temporary copy").Hidden().StringVar(&args.SelfCopyOf)
	app.Flag("log-level", "Log-Level, must be one of [DEBUG, INFO, WARN, ERROR]").Envar("LOG_LEVEL").EnumVar(&args.LogLevel, "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error")
	app.Flag("log-format", "Log-Format, must be one of [TEXT, JSON]").Envar("LOG_FORMAT").EnumVar(&args.LogFormat, "TEXT", "JSON", "text", "json")

	apply := app.Command("apply", "Apply an update package")
	apply.Flag("package", "path to the update package").Short('p').Required().ExistingFileVar(&args.Apply.Package)
	apply.Flag("digest", "expected digest of the package, e.g. sha256:...").StringVar(&args.Apply.Digest)
	apply.Flag("compile-command", "command run with the replaced updater executable as last argument").StringsVar(&args.Apply.CompileCommand)

	recoverCmd := app.Command("recover", "Roll back a session that was interrupted")
	uninstall := app.Command("uninstall", "Remove everything the applied packages installed")
	status := app.Command("status", "Print the client record")

	pack := app.Command("pack", "Create an update package from a directory containing manifest.yaml")
	pack.Flag("source", "package directory").Required().ExistingDirVar(&args.Pack.Source)
	pack.Flag("out", "archive to write, .tar.gz, .tgz or .tar.zst").Required().StringVar(&args.Pack.Out)
	pack.Flag("binary-manifest", "replace manifest.yaml with the binary manifest").BoolVar(&args.Pack.BinaryOnly)

	manifestCmd := app.Command("manifest", "Convert a YAML manifest to the binary form")
	manifestCmd.Flag("in", "YAML manifest").Required().ExistingFileVar(&args.Manifest.In)
	manifestCmd.Flag("out", "binary manifest to write").Required().StringVar(&args.Manifest.Out)

	diff := app.Command("diff", "Create a bsdiff patch between two versions of a file")
	diff.Flag("from", "installed version").Required().ExistingFileVar(&args.Diff.From)
	diff.Flag("to", "new version").Required().ExistingFileVar(&args.Diff.To)
	diff.Flag("out", "patch to write").Required().StringVar(&args.Diff.Out)
	diff.Flag("compress", "compression of the patch").Default("zstd").EnumVar(&args.Diff.Compress, "none", "zstd", "gzip")

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := args.loadConfig(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	code := exitOK
	switch cmd {
	case apply.FullCommand():
		code, err = args.apply(ctx)
	case recoverCmd.FullCommand():
		err = args.recover(ctx)
	case uninstall.FullCommand():
		err = args.uninstall(ctx)
	case status.FullCommand():
		err = args.status()
	case pack.FullCommand():
		err = args.pack()
	case manifestCmd.FullCommand():
		err = args.convertManifest()
	case diff.FullCommand():
		err = args.diff()
	}
	if err != nil {
		log.Error(err)
		if code == exitOK {
			code = exitFailed
		}
		if errors.Is(err, context.Canceled) {
			code = exitCancelled
		}
	}
	stop()
	os.Exit(code)
}

// loadConfig reads the configuration file and lets the flags override it.
func (args *cliArgs) loadConfig() error {
	cfg, err := configs.Load(args.fs, args.ConfigPath)
	if err != nil {
		return err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.InstallDir, args.InstallDir)
	override(&cfg.TempDir, args.TempDir)
	override(&cfg.StateDir, args.StateDir)
	override(&cfg.Product, args.Product)
	override(&cfg.Log.Level, args.LogLevel)
	override(&cfg.Log.Format, args.LogFormat)
	cfg.Interactive = cfg.Interactive || args.Interactive
	args.config = cfg

	logutils.SetLogLevel(cfg.Log.Level)
	logutils.SetLogFormat(cfg.Log.Format)
	return nil
}

// client builds the update client of the configured installation. The returned function closes
// the session log.
func (args *cliArgs) client(options ...func(*updater.Client)) (*updater.Client, func(), error) {
	cfg := args.config
	env, err := environment.Detect(cfg.InstallDir, cfg.Product, cfg.TempDir)
	if err != nil {
		return nil, nil, err
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(env.TempDir, "state")
	}
	closeLog := func() {}
	if cfg.Log.File != "" {
		logPath := cfg.Log.File
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(stateDir, logPath)
		}
		f, err := logutils.TeeToFile(logPath)
		if err != nil {
			log.WithError(err).Warn("session log disabled")
		} else {
			closeLog = func() { _ = f.Close() }
		}
	}

	options = append([]func(*updater.Client){
		updater.WithDirectories(env.TempDir, stateDir),
		updater.WithLockPolicy(lockwait.Policy{
			Interval:    cfg.LockRetry.Interval,
			MaxAttempts: cfg.LockRetry.Attempts,
		}),
		updater.WithProcessWait(cfg.ProcessWait.Interval, cfg.ProcessWait.Window),
	}, options...)
	if cfg.Interactive {
		options = append(options, updater.WithInteractive(newTerminalPrompter(os.Stdin, os.Stderr)))
	}
	if args.SelfCopyOf != "" {
		options = append(options, updater.WithSelf(env.Executable, args.SelfCopyOf))
	}
	c, err := updater.NewClient(env, options...)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return c, closeLog, nil
}

func progressLogger(every time.Duration) func(*updater.Client) {
	return updater.WithObserver(func(p updater.Progress) {
		log.WithField("state", p.State.String()).Infof("progress %.0f%%", p.Percent)
	}, every)
}
