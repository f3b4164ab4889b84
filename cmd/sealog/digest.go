package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/chain"

	"github.com/spf13/cobra"
)

type digestOptions struct {
	nationalID string
	passport   string
	country    string
	fullName   string
	phone      string
	ip         string
	mac        string
	entryTime  string
	version    int
}

func newDigestCommand() *cobra.Command {
	opts := &digestOptions{}
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the canonical form and content digest of a record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDigest(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.nationalID, "national-id", "", "national identity number")
	f.StringVar(&opts.passport, "passport", "", "passport number")
	f.StringVar(&opts.country, "country", "", "passport issuing country")
	f.StringVar(&opts.fullName, "name", "", "full name")
	f.StringVar(&opts.phone, "phone", "", "phone number")
	f.StringVar(&opts.ip, "ip", "", "network address")
	f.StringVar(&opts.mac, "mac", "", "hardware address")
	f.StringVar(&opts.entryTime, "entry-time", "", "entry time (RFC3339)")
	f.IntVar(&opts.version, "canonical-version", 1, "canonical form version (1 or 2)")
	_ = cmd.MarkFlagRequired("entry-time")
	return cmd
}

func runDigest(cmd *cobra.Command, opts *digestOptions) error {
	entry, err := time.Parse(time.RFC3339Nano, opts.entryTime)
	if err != nil {
		return fmt.Errorf("entry-time: %w", err)
	}
	identity := domain.NationalIdentity(opts.nationalID)
	if opts.passport != "" {
		identity = domain.PassportIdentity(opts.passport, opts.country)
	}
	draft, err := chain.Prepare(domain.Incoming{
		Identity:        identity,
		FullName:        opts.fullName,
		Phone:           opts.phone,
		NetworkAddress:  opts.ip,
		HardwareAddress: opts.mac,
		EntryTime:       entry,
	}, opts.version)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "canonical=%s\n", chain.DraftCanonicalForm(draft))
	fmt.Fprintf(out, "digest=%s\n", hex.EncodeToString(draft.ContentDigest))
	return nil
}
