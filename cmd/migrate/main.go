// SPDX-License-Identifier: GPL-3.0-or-later

// Command migrate is the CLI front end for the mailbox migration
// pipeline: it loads configuration, builds one Driver per enabled
// account, and dispatches verify/download/upload/status, exactly the
// "out of scope, stated in §6" front end spec.md leaves external.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rgrist/m365mover/internal/config"
	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/driver"
	"github.com/rgrist/m365mover/internal/logging"
	"github.com/rgrist/m365mover/internal/sourceclient"
	"github.com/rgrist/m365mover/internal/statestore"
	"github.com/rgrist/m365mover/internal/targetclient"
)

var (
	configDir string
	resume    bool
	force     bool
	reset     bool
	logLevel  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate mailboxes from Microsoft 365 to an IMAP server",
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./config", "Directory holding system_config.yaml and accounts.yaml")
	rootCmd.PersistentFlags().BoolVar(&resume, "resume", false, "Skip folders/messages already processed in a prior run")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "Redownload/reupload regardless of prior state")
	rootCmd.PersistentFlags().BoolVar(&reset, "reset", false, "Clear all stored state for each account before running")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check configuration permissions and reachability of both endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runAll(cmd.Context(), (*driver.Driver).Verify))
			return nil
		},
	}
	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download every message from the source mailbox to local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runAllStage(cmd.Context(), (*driver.Driver).Download))
			return nil
		},
	}
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload every downloaded message to the target IMAP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runAllStage(cmd.Context(), (*driver.Driver).Upload))
			return nil
		},
	}
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report cumulative migration counters for each account",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runStatus(cmd.Context()))
			return nil
		},
	}

	rootCmd.AddCommand(verifyCmd, downloadCmd, uploadCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootContext cancels on SIGINT/SIGTERM, per spec.md §5's cancellation
// model: the Driver and Scheduler stop dispatching new work, let
// in-flight units finish, then return context.Canceled up the chain.
func rootContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// buildDrivers loads configuration, opens one State Store and one pair
// of source/target clients per enabled account, and returns a Driver for
// each, along with the logger used for top-level reporting. The caller
// owns the returned stores and must close them once done.
func buildDrivers() ([]*driver.Driver, []string, []*statestore.Store, *logrus.Logger, error) {
	logging.Init(logLevel)
	dir, err := config.Load(configDir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("could not load configuration: %w", err)
	}
	if err := logging.AddFileOutput(dir.System.LogDir); err != nil {
		return nil, nil, nil, nil, err
	}

	l := logging.Logger(logging.Driver)

	var drivers []*driver.Driver
	var emails []string
	var stores []*statestore.Store
	for _, a := range dir.Accounts {
		if !a.Enabled {
			l.WithField("account", a.Email).Info("Account disabled, skipping")
			continue
		}

		password, err := a.TargetPassword()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		token, err := a.SourceToken()
		if err != nil {
			return nil, nil, nil, nil, err
		}

		account := domain.Account{
			Email:           a.Email,
			SourceToken:     token,
			TargetHost:      a.TargetHost,
			TargetPort:      a.TargetPort,
			TargetUser:      a.TargetUser,
			TargetPassword:  password,
			TargetUseTLS:    a.TargetUseTLS,
			Enabled:         a.Enabled,
			FolderOverrides: a.FolderOverrides,
			RetryCount:      a.RetryCount,
		}

		store, err := statestore.NewStore(filepath.Join(dir.System.StateDir, a.Email+".db"))
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("account %s: could not open state store: %w", a.Email, err)
		}

		source := sourceclient.NewClient(token,
			sourceclient.WithRetryPolicy(dir.System.MaxRetries, dir.System.RetryDelay()))
		target := targetclient.NewClient(a.TargetHost, a.TargetPort, a.TargetUseTLS,
			targetclient.WithTimeout(dir.System.ImapTimeout()),
			targetclient.WithRetryPolicy(dir.System.MaxRetries, dir.System.RetryDelay()))

		drivers = append(drivers, driver.New(account, dir.Path, dir.System, store, source, target))
		emails = append(emails, a.Email)
		stores = append(stores, store)
	}

	return drivers, emails, stores, l, nil
}

func closeStores(stores []*statestore.Store) {
	for _, s := range stores {
		_ = s.Close()
	}
}

// runAll runs a stage with no Summary/exit-code semantics (verify),
// aggregating the worst outcome across every enabled account.
func runAll(ctx context.Context, stage func(*driver.Driver, context.Context) error) int {
	drivers, emails, stores, l, err := buildDrivers()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeStores(stores)

	ctx, cancel := rootContext(ctx)
	defer cancel()

	worst := 0
	for i, d := range drivers {
		err := stage(d, ctx)
		code := driver.ExitCode(err, 0)
		if err != nil {
			l.WithFields(logrus.Fields{"account": emails[i], "error": err}).Error("Stage failed")
		}
		worst = worseCode(worst, code)
	}
	return worst
}

// runAllStage runs download/upload, printing each account's Summary and
// aggregating the worst exit code.
func runAllStage(ctx context.Context, stage func(*driver.Driver, context.Context, driver.StageOptions) (driver.Summary, error)) int {
	drivers, emails, stores, l, err := buildDrivers()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeStores(stores)

	ctx, cancel := rootContext(ctx)
	defer cancel()

	opts := driver.StageOptions{Resume: resume, Force: force, Reset: reset}

	worst := 0
	for i, d := range drivers {
		summary, err := stage(d, ctx, opts)
		code := driver.ExitCode(err, summary.RunFailed)
		if err != nil {
			l.WithFields(logrus.Fields{"account": emails[i], "error": err}).Error("Stage failed")
		}
		l.WithFields(logrus.Fields{
			"account": emails[i],
			"total_messages": summary.TotalMessages,
			"total_size":     summary.TotalSize,
			"total_skipped":  summary.TotalSkipped,
			"total_failed":   summary.TotalFailed,
			"run_failed":     summary.RunFailed,
		}).Info("Stage finished")
		worst = worseCode(worst, code)
	}
	return worst
}

// runStatus reports the four cumulative global counters of each account
// without touching either endpoint. It passes no folder list to Status,
// so per-folder counters are not read or printed.
func runStatus(_ context.Context) int {
	drivers, emails, stores, l, err := buildDrivers()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeStores(stores)

	for i, d := range drivers {
		summary, err := d.Status(nil)
		if err != nil {
			l.WithFields(logrus.Fields{"account": emails[i], "error": err}).Error("Could not read status")
			return 1
		}
		fmt.Printf("%s: messages=%d size=%d skipped=%d failed=%d\n",
			emails[i], summary.TotalMessages, summary.TotalSize, summary.TotalSkipped, summary.TotalFailed)
	}
	return 0
}

// worseCode prefers the more severe exit code: user abort outranks
// auth/config failure, which outranks partial failure, which outranks
// success, per spec.md §6.
func worseCode(a, b int) int {
	rank := func(c int) int {
		switch c {
		case 4:
			return 4
		case 2:
			return 3
		case 1:
			return 2
		case 3:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
