package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/types"
	"github.com/spf13/cobra"
)

type parsedQuote struct {
	Quote         types.SGXQuote3      `json:"quote"`
	PCKExtensions *types.PCKExtensions `json:"pckExtensions,omitempty"`
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <quote>",
		Short: "Print the fields of a quote without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawQuote, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading quote: %w", err)
			}
			quote, err := types.ParseQuote(rawQuote)
			if err != nil {
				return err
			}

			parsed := parsedQuote{Quote: quote}
			if certData := quote.Signature.CertificationData; certData.Type == types.PCKCertChainType {
				chain, err := crypto.ParsePEMCertificateChain(certData.Data)
				if err != nil {
					return fmt.Errorf("parsing PCK certificate chain: %w", err)
				}
				ext, err := types.ParsePCKCertificateExtension(chain[0])
				if err != nil {
					return fmt.Errorf("parsing PCK certificate extension: %w", err)
				}
				parsed.PCKExtensions = &ext
			}

			out, err := json.MarshalIndent(parsed, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
