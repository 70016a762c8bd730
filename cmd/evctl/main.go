package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evident-proof/evident/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	apiURL       string
	outputFormat string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evctl",
	Short: "Evident sealing service CLI",
	Long: `evctl talks to an Evident sealing service.

It seals evidence, requests proof certificates, reads usage statistics and,
with an admin token, manages service agreements.

Credentials are read from ~/.evident/config.yaml or the environment:

  EVIDENT_API_URL, EVIDENT_AGREEMENT_ID, EVIDENT_API_KEY, EVIDENT_ADMIN_TOKEN`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".evident"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("evident")
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}

		if apiURL == "" {
			apiURL = viper.GetString("api_url")
		}
		if apiURL == "" {
			apiURL = "http://localhost:8080"
		}
		switch outputFormat {
		case "text", "json":
		default:
			return fmt.Errorf("unknown output format %q (want text or json)", outputFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.evident/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "sealing service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-command timeout")

	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(certificateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// agreementClient builds a client carrying the agreement credentials.
func agreementClient() (*client.Client, error) {
	id := viper.GetString("agreement_id")
	key := viper.GetString("api_key")
	if id == "" || key == "" {
		return nil, errors.New("agreement_id and api_key must be configured (EVIDENT_AGREEMENT_ID, EVIDENT_API_KEY)")
	}
	return client.New(apiURL, client.WithCredentials(id, key))
}

// adminClient builds a client carrying the operator token.
func adminClient() (*client.Client, error) {
	token := viper.GetString("admin_token")
	if token == "" {
		return nil, errors.New("admin_token must be configured (EVIDENT_ADMIN_TOKEN)")
	}
	return client.New(apiURL, client.WithAdminToken(token))
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseEvidence turns "key=value" arguments into a map. Keys may contain
// spaces when quoted by the shell; the first '=' separates key from value.
func parseEvidence(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("evidence %q must be key=value", a)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("evidence key %q given twice", k)
		}
		out[k] = v
	}
	return out, nil
}

// ── version ──────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evctl %s\n", version)
	},
}
