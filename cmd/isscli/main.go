// Command isscli is an operator tool for an ISS cluster: generating
// Ed25519 key material for cluster bootstrap and inspecting a node's
// loaded configuration and store connectivity.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/config"
	"github.com/ruvnet/issordering/internal/crypto/ed25519signer"
	"github.com/ruvnet/issordering/internal/store/pgstore"
)

var rootCmd = &cobra.Command{
	Use:   "isscli",
	Short: "Operator CLI for an ISS ordering cluster",
	Long:  "A command-line interface for bootstrapping and inspecting ISS ordering nodes.",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [peer-id]",
	Short: "Generate an Ed25519 keypair for a peer, base64-encoded for ISS_PRIVATE_KEY and ISS_PEER_KEYS",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		peer := args[0]

		pub, priv, err := ed25519signer.GenerateKeyPair()
		if err != nil {
			fmt.Printf("failed to generate keypair: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("peer:        %s\n", peer)
		fmt.Printf("private key: %s\n", base64.StdEncoding.EncodeToString(priv))
		fmt.Printf("public key:  %s\n", base64.StdEncoding.EncodeToString(pub))
		fmt.Printf("\nset on %s's own node:\n  ISS_PRIVATE_KEY=%s\n", peer, base64.StdEncoding.EncodeToString(priv))
		fmt.Printf("append to every node's ISS_PEER_KEYS:\n  %s@%s\n", peer, base64.StdEncoding.EncodeToString(pub))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the configuration this host's environment would load",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Printf("failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to the configured epoch store",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		store, err := pgstore.New(cfg.Database, logger)
		if err != nil {
			fmt.Printf("epoch store: UNREACHABLE (%v)\n", err)
			os.Exit(1)
		}
		defer store.Close()
		fmt.Println("epoch store: REACHABLE")

		info, err := store.LatestCompletedEpoch(context.Background())
		if err != nil {
			fmt.Printf("latest completed epoch: ERROR (%v)\n", err)
			os.Exit(1)
		}
		fmt.Printf("latest completed epoch: %d\n", info.Nr)
		fmt.Printf("peers in that epoch's topology: %d\n", len(info.Topology.Peers))
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
