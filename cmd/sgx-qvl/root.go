package main

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-qvl/internal/config"
	"github.com/edgelesssys/go-sgx-qvl/internal/logging"
	"github.com/edgelesssys/go-sgx-qvl/verification/crypto"
	"github.com/edgelesssys/go-sgx-qvl/verification/pcs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"
)

const (
	cfgConfigFile = "config"
	cfgRootCA     = "root-ca"
)

// cli holds the state shared by all commands of one invocation.
type cli struct {
	v          *viper.Viper
	configFile string
	rootCAFile string

	cfg       config.Config
	log       *logging.Logger
	trustRoot *x509.Certificate
	clock     clock.PassiveClock
}

func newRootCmd() *cobra.Command {
	c := &cli{
		v:     viper.New(),
		clock: clock.RealClock{},
	}

	cmd := &cobra.Command{
		Use:               "sgx-qvl",
		Short:             "Verify Intel SGX DCAP quotes",
		SilenceUsage:      true,
		PersistentPreRunE: c.init,
	}

	cfgFlags := config.Flags()
	cmd.PersistentFlags().AddFlagSet(cfgFlags)
	// flags are bound before parsing, viper reads their values on Load
	_ = c.v.BindPFlags(cfgFlags)
	cmd.PersistentFlags().StringVar(&c.configFile, cfgConfigFile, "", "path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&c.rootCAFile, cfgRootCA, "", "PEM file of the trusted root CA, defaults to the Intel SGX Root CA")

	cmd.AddCommand(
		newVerifyCmd(c),
		newParseCmd(),
		newCollectCmd(c),
		newServeCmd(c),
	)
	return cmd
}

func (c *cli) init(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log

	c.trustRoot = crypto.IntelRootCA()
	if c.rootCAFile != "" {
		rootPEM, err := os.ReadFile(c.rootCAFile)
		if err != nil {
			return fmt.Errorf("reading root CA: %w", err)
		}
		certs, err := crypto.ParsePEMCertificateChain(rootPEM)
		if err != nil {
			return fmt.Errorf("parsing root CA: %w", err)
		}
		if len(certs) != 1 {
			return fmt.Errorf("root CA file must hold exactly one certificate, got %d", len(certs))
		}
		c.trustRoot = certs[0]
		c.log.Warn("using custom root CA", "subject", c.trustRoot.Subject.String())
	}
	return nil
}

func (c *cli) pcsClient() (*pcs.TrustedServicesClient, error) {
	return pcs.New(c.cfg.PCSClientConfig(),
		pcs.WithRootCA(c.trustRoot),
		pcs.WithClock(c.clock),
		pcs.WithLogger(c.log.With("component", "pcs")),
	)
}
