package main

import (
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-qvl/verification/bundle"
	"github.com/spf13/cobra"
)

func newCollectCmd(c *cli) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "collect <quote>",
		Short: "Fetch the collateral of a quote and store both in a bundle",
		Long: `Fetch the collateral of a quote and store both in a bundle.

The bundle can be verified later using "verify --bundle".
Neither the quote nor the collateral are verified by this command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawQuote, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading quote: %w", err)
			}
			client, err := c.pcsClient()
			if err != nil {
				return err
			}

			b, err := bundle.Collect(cmd.Context(), rawQuote, client)
			if err != nil {
				return err
			}
			data, err := b.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}

			c.log.Info("bundle written", "path", outFile, "size", len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "bundle.cbor", "path of the bundle")
	return cmd
}
