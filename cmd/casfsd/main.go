// Command casfsd mounts a content-addressed tree as a POSIX directory
// via FUSE, persisting the mount root's URI to a sidecar file across
// runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/casfs/casfs/internal/config"
	"github.com/casfs/casfs/internal/fsys"
	"github.com/casfs/casfs/internal/store"
	"github.com/casfs/casfs/internal/tree"
	units "github.com/docker/go-units"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

type exitCoder interface {
	ExitCode() int
}

func exitCodeFor(err error) int {
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return 1
}

type mountError struct{ err error }

func (e *mountError) Error() string { return e.err.Error() }
func (e *mountError) ExitCode() int { return 2 }

func newRootCommand() *cobra.Command {
	cfg := config.Default()
	var configPath string

	root := &cobra.Command{
		Use:           "casfsd <sidecar> <mount>",
		Short:         "Mount a content-addressed tree over FUSE",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath, cfg)
			if err != nil {
				return err
			}
			loaded.Sidecar = args[0]
			loaded.Mount = args[1]
			return runMount(cmd.Context(), loaded)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&cfg.StoreDir, "store", "", "backend blob store directory (required)")
	flags.StringVar(&cfg.ScratchDir, "scratch", "", "scratch file directory (defaults under --store)")
	flags.IntVar(&cfg.Anonymity, "anonymity", cfg.Anonymity, "anonymity level (stored in the config; not forwarded to the backend)")
	flags.IntVar(&cfg.Priority, "priority", cfg.Priority, "priority (stored in the config; not forwarded to the backend)")
	flags.BoolVar(&cfg.ShowURIFiles, "show-uri-files", false, "expose .uri/.uri.NAME synthetic entries")
	flags.StringVar(&cfg.LogFile, "log-file", "", "write logs here instead of stderr")
	flags.StringArrayVar(&cfg.FuseOptions, "fuse-opt", nil, "extra FUSE mount option, may be repeated")

	root.AddCommand(newResolveCommand())
	return root
}

func runMount(ctx context.Context, cfg config.Config) error {
	if cfg.StoreDir == "" {
		return fmt.Errorf("casfsd: --store is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = cfg.StoreDir + "/scratch"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("casfsd: open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	backend, err := store.NewLocalBackend(cfg.StoreDir)
	if err != nil {
		return &mountError{fmt.Errorf("casfsd: backend: %w", err)}
	}

	t, err := tree.Open(tree.Options{
		Backend:     backend,
		SidecarPath: cfg.Sidecar,
		ScratchDir:  cfg.ScratchDir,
		ShowSpecial: cfg.ShowURIFiles,
	})
	if err != nil {
		return &mountError{fmt.Errorf("casfsd: open tree: %w", err)}
	}

	swept, err := t.SweepScratch()
	if err != nil {
		log.WithError(err).Warn("scratch sweep failed")
	} else if swept > 0 {
		log.WithField("count", swept).Info("removed stale scratch files from a prior run")
	}

	fsImpl := fsys.New(t, nil, cfg.StoreDir)
	server := fuseutil.NewFileSystemServer(fsImpl)

	mountCfg := &fuse.MountConfig{
		DisableWritebackCaching: true,
		Options:                 fuseOptionSet(cfg.FuseOptions),
	}

	mfs, err := fuse.Mount(cfg.Mount, server, mountCfg)
	if err != nil {
		return &mountError{fmt.Errorf("casfsd: mount: %w", err)}
	}

	rootFields := logrus.Fields{
		"mount": cfg.Mount,
		"store": cfg.StoreDir,
	}
	if attr, err := t.Lookup(context.Background(), "/"); err == nil {
		rootFields["root_size"] = units.HumanSize(float64(attr.Size))
	}
	log.WithFields(rootFields).Info("mounted")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, flushing and unmounting")
		if err := t.Flush(context.Background()); err != nil {
			log.WithError(err).Error("flush on shutdown failed")
		}
		if err := fuse.Unmount(cfg.Mount); err != nil {
			log.WithError(err).Error("unmount failed")
		}
	}()

	if err := mfs.Join(ctx); err != nil {
		return &mountError{fmt.Errorf("casfsd: join: %w", err)}
	}

	if err := t.Flush(context.Background()); err != nil {
		return &mountError{fmt.Errorf("casfsd: final flush: %w", err)}
	}

	return nil
}

func fuseOptionSet(opts []string) map[string]string {
	if len(opts) == 0 {
		return nil
	}
	m := make(map[string]string, len(opts))
	for _, o := range opts {
		m[o] = ""
	}
	return m
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <sidecar> <path>",
		Short: "Print the content-hash URI of a path without mounting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), args[0], args[1])
		},
	}
}

func runResolve(ctx context.Context, sidecar, path string) error {
	storeDir := os.Getenv("CASFS_STORE")
	if storeDir == "" {
		return fmt.Errorf("casfsd resolve: set CASFS_STORE to the backend directory")
	}

	backend, err := store.NewLocalBackend(storeDir)
	if err != nil {
		return err
	}

	t, err := tree.Open(tree.Options{
		Backend:     backend,
		SidecarPath: sidecar,
		ScratchDir:  storeDir + "/scratch",
	})
	if err != nil {
		return err
	}

	uri, err := t.ResolveURI(ctx, path)
	if err != nil {
		return err
	}

	fmt.Println(uri)
	return nil
}
