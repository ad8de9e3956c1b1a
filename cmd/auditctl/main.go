package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	serverURL string
	token     string
	verbose   bool

	v *viper.Viper
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "auditledger command-line interface",
	Long: `auditctl manages an auditledger authority and talks to an auditd server.

Local commands (keygen, token, export, verify-file) read the same
configuration as auditd. Remote commands (append, chain, block, history,
verify, proof) call the server given by --server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		if err := config.Read(v, cliLogger()); err != nil {
			return err
		}
		if serverURL == "" {
			serverURL = v.GetString("client.server_url")
		}
		if token == "" {
			token = v.GetString("client.token")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/auditledger.yaml or ./auditledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "auditd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "appender token (default $AUDIT_CLIENT_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(keygenCmd, tokenCmd, exportCmd, verifyFileCmd)
	rootCmd.AddCommand(appendCmd, chainCmd, blockCmd, historyCmd, verifyCmd, proofCmd)
	rootCmd.AddCommand(versionCmd)
}

func cliLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	return config.FromViper(v)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

func printJSON(x any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(x)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditctl %s\n", version)
	},
}
