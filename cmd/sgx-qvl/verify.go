package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-qvl/verification"
	"github.com/edgelesssys/go-sgx-qvl/verification/bundle"
	"github.com/spf13/cobra"
)

func newVerifyCmd(c *cli) *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify [quote]",
		Short: "Verify a quote and print the TCB status of the platform",
		Long: `Verify a quote and print the TCB status of the platform.

Collateral is retrieved from the PCS, unless --bundle is set.
A bundle holds the quote together with its collateral, and is verified without network access.

The result is printed for every authentic quote. The command fails if the platform is revoked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (bundleFile != "") {
				return errors.New("either a quote or --bundle must be given")
			}

			var rawQuote []byte
			var collateral verification.CollateralProvider
			if bundleFile != "" {
				data, err := os.ReadFile(bundleFile)
				if err != nil {
					return fmt.Errorf("reading bundle: %w", err)
				}
				b, err := bundle.Unmarshal(data)
				if err != nil {
					return err
				}
				rawQuote = b.Quote
				collateral = b.Provider(c.trustRoot, c.clock)
			} else {
				var err error
				rawQuote, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("reading quote: %w", err)
				}
				client, err := c.pcsClient()
				if err != nil {
					return err
				}
				collateral = client
			}

			verifier := verification.New(collateral,
				verification.WithTrustRoot(c.trustRoot),
				verification.WithClock(c.clock),
				verification.WithLogger(c.log),
			)
			result, err := verifier.Verify(cmd.Context(), rawQuote)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
				return err
			}
			if !result.Status.Acceptable() {
				return fmt.Errorf("platform TCB status is %s", result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "bundle", "", "verify the quote of a bundle using the bundled collateral")
	return cmd
}
