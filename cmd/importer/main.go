// Command importer runs equipment imports from the command line against a
// local SQLite database. It drives the same pipeline as the HTTP server:
// preview a file to get a suggested mapping, edit it, then run the import.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/equipimport/internal/advisor"
	"github.com/JonMunkholm/equipimport/internal/artifact"
	"github.com/JonMunkholm/equipimport/internal/core"
	"github.com/JonMunkholm/equipimport/internal/logging"
	"github.com/JonMunkholm/equipimport/internal/store/sqlite"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitRowsFailed = 3
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

type globalOptions struct {
	dbPath   string
	logLevel string
	maxRows  int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(root.ErrOrStderr(), "error:", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:           "importer",
		Short:         "Bulk-import equipment records from CSV, TSV or Excel files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupWriter(cmd.ErrOrStderr(), opts.logLevel, "text")
		},
	}

	root.PersistentFlags().StringVar(&opts.dbPath, "db", "equipment.db", "SQLite database file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().IntVar(&opts.maxRows, "max-rows", core.DefaultMaxRows, "Maximum data rows per file")

	root.AddCommand(newPreviewCmd(&opts), newRunCmd(&opts))
	return root
}

// pipeline is a Service wired to a local database and a throwaway scratch
// directory.
type pipeline struct {
	svc     *core.Service
	store   *sqlite.Store
	scratch string
}

func openPipeline(ctx context.Context, opts *globalOptions) (*pipeline, error) {
	store, err := sqlite.Open(ctx, opts.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	scratch, err := os.MkdirTemp("", "importer-*")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	artifacts, err := artifact.NewFSStore(scratch)
	if err != nil {
		store.Close()
		os.RemoveAll(scratch)
		return nil, err
	}

	svc := core.NewService(store, artifacts, advisor.NewHeuristic(), core.ServiceOptions{
		MaxRows:     opts.maxRows,
		AdvisorWait: 5 * time.Second,
	})
	if err := svc.RecoverInterruptedRuns(ctx); err != nil {
		store.Close()
		os.RemoveAll(scratch)
		return nil, err
	}

	return &pipeline{svc: svc, store: store, scratch: scratch}, nil
}

func (p *pipeline) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.svc.Shutdown(ctx)
	p.store.Close()
	os.RemoveAll(p.scratch)
}

// upload reads path and opens an import session for it.
func (p *pipeline) upload(ctx context.Context, path string) (core.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Session{}, withCode(exitUsage, err)
	}
	sess, err := p.svc.Upload(ctx, filepath.Base(path), data)
	if err != nil {
		return core.Session{}, withCode(exitFailure, userError(err))
	}
	return sess, nil
}

// userError keeps the technical text but leads with the support code.
func userError(err error) error {
	ue := core.NewUserError(err)
	return fmt.Errorf("%s (Code: %s): %w", ue.User.Message, ue.User.Code, ue.Technical)
}
