// Command csvverify checks the rotated archives of one audit topic and
// prints PASS or FAIL per file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/karasz/auditlog"
)

type verifyFlags struct {
	dir       string
	topic     string
	prefix    string
	suffix    string
	delimiter string
	keystore  string
	password  string
	verbose   bool
}

func newRootCmd(stdout, stderr io.Writer, failed *bool) *cobra.Command {
	var f verifyFlags
	cmd := &cobra.Command{
		Use:           "csvverify",
		Short:         "Verify the hash chain and signatures of audit CSV archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.password == "" {
				f.password = os.Getenv(auditlog.EnvKeyStorePassword)
			}
			if f.password == "" {
				return fmt.Errorf("keystore password required (--password or %s)", auditlog.EnvKeyStorePassword)
			}
			logger := zap.NewNop()
			if f.verbose {
				l, err := auditlog.NewLogger("debug", true)
				if err != nil {
					return err
				}
				logger = l
			}
			defer func() { _ = logger.Sync() }()

			ks, err := auditlog.LoadKeyStore(f.keystore, f.password)
			if err != nil {
				return fmt.Errorf("open keystore: %w", err)
			}
			storage, err := auditlog.NewVerifyOnlySecureStorage(ks)
			if err != nil {
				return err
			}
			policy := auditlog.FileNamingPolicy{Dir: f.dir, Prefix: f.prefix, Topic: f.topic, Suffix: f.suffix}
			verifier, err := auditlog.NewArchiveVerifier(policy, storage, f.delimiter, auditlog.WithLogger(logger))
			if err != nil {
				return err
			}
			results, err := verifier.Verify()
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintf(stderr, "no archives found for topic %q in %s\n", f.topic, f.dir)
			}
			for _, r := range results {
				fmt.Fprintln(stdout, r.String())
				if !r.Passed {
					*failed = true
				}
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.dir, "archive", ".", "directory holding the archives")
	fl.StringVar(&f.topic, "topic", "", "topic to verify")
	fl.StringVar(&f.prefix, "prefix", "", "file name prefix")
	fl.StringVar(&f.suffix, "suffix", "", "archive suffix time layout")
	fl.StringVar(&f.delimiter, "delimiter", ",", "field delimiter")
	fl.StringVar(&f.keystore, "keystore", "", "main keystore path")
	fl.StringVar(&f.password, "password", "", "keystore password")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log progress to stderr")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("keystore")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

// run returns 0 when every archive passed and 1 on any failure or error.
func run(args []string, stdout, stderr io.Writer) int {
	var failed bool
	cmd := newRootCmd(stdout, stderr, &failed)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
