package main

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"sealog/internal/domain"
	"sealog/internal/infra/archive"
	"sealog/internal/infra/chain"
	"sealog/internal/infra/report"
	"sealog/internal/infra/tsa"

	"github.com/spf13/cobra"
)

func newArchiveVerifyCommand() *cobra.Command {
	var (
		expectSHA string
		anchor    string
	)
	cmd := &cobra.Command{
		Use:   "verify <archive.jsonl.gz>",
		Short: "Recompute record digests and chain links inside an archive file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return verifyArchive(cmd, payload, expectSHA, anchor)
		},
	}
	cmd.Flags().StringVar(&expectSHA, "sha256", "", "expected archive sha256 from the archive job")
	cmd.Flags().StringVar(&anchor, "previous", "", "hex digest of the record preceding the archive")
	return cmd
}

func verifyArchive(cmd *cobra.Command, payload []byte, expectSHA, anchor string) error {
	out := cmd.OutOrStdout()
	sum := archive.SHA256Hex(payload)
	fmt.Fprintf(out, "sha256=%s\n", sum)
	failed := false
	if expectSHA != "" && !strings.EqualFold(expectSHA, sum) {
		fmt.Fprintf(out, "problem: sha256 does not match %s\n", expectSHA)
		failed = true
	}

	var prior []byte
	if anchor != "" {
		var err error
		if prior, err = hex.DecodeString(anchor); err != nil || len(prior) != domain.DigestSize {
			return fmt.Errorf("previous: need %d hex bytes", domain.DigestSize)
		}
	}
	records, err := archive.ReadAll(bytes.NewReader(payload))
	if err != nil {
		return err
	}

	var counters domain.RunCounters
	chain.Walk(records, prior, func(seq int64, _ *domain.AccessRecord, link chain.Link) {
		counters.Add(link.Category)
		if link.Category != domain.ResultValid {
			fmt.Fprintf(out, "problem: seq %d %s\n", seq, link.Category)
			failed = true
		}
	})
	fmt.Fprintf(out, "records=%d valid=%d seq=%d-%d\n", counters.Total, counters.Valid, records[0].Seq, records[len(records)-1].Seq)
	if failed {
		fmt.Fprintln(out, "status=fail")
		return errFailed
	}
	fmt.Fprintln(out, "status=pass")
	return nil
}

func newBundleVerifyCommand() *cobra.Command {
	var rootPEM string
	cmd := &cobra.Command{
		Use:   "verify <evidence.tar>",
		Short: "Check an evidence bundle's manifest, record chain and batch digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var roots *x509.CertPool
			if rootPEM != "" {
				var err error
				if roots, err = tsa.LoadRoots(rootPEM); err != nil {
					return err
				}
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			check, err := report.VerifyBundle(f, roots)
			if err != nil {
				return err
			}
			return printBundleCheck(cmd, check)
		},
	}
	cmd.Flags().StringVar(&rootPEM, "root", "", "PEM file of TSA roots; when set, batch tokens are validated")
	return cmd
}

func printBundleCheck(cmd *cobra.Command, check report.BundleCheck) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "files=%d records=%d batches=%d tokens=%d\n", len(check.Files), check.Records, check.Batches, check.Tokens)
	for _, p := range check.Problems {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	if !check.OK() {
		fmt.Fprintln(out, "status=fail")
		return errFailed
	}
	fmt.Fprintln(out, "status=pass")
	return nil
}
