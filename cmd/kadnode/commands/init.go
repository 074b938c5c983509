package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/kadnode/internal/config"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration with a freshly generated node id to the
path given by --config.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
	initCmd.Flags().StringSlice("bootstrap", nil, "Bootstrap node addresses (host:port)")
	initCmd.Flags().String("listen", "", "UDP listen address")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	bootstrap, _ := cmd.Flags().GetStringSlice("bootstrap")
	listen, _ := cmd.Flags().GetString("listen")

	if _, err := os.Stat(cfgFile); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", cfgFile)
	}

	cfg := config.DefaultConfig()
	cfg.Node.NodeID = kademlia.Random(kademlia.NamespaceNode).String()
	cfg.Node.BootstrapNodes = bootstrap
	if listen != "" {
		cfg.Node.Transport.ListenAddr = listen
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return err
	}
	if err := config.WriteFile(cfgFile, cfg); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", cfgFile)
	fmt.Printf("  Node ID: %s\n", cfg.Node.NodeID)
	fmt.Printf("  Listen:  %s\n", cfg.Node.Transport.ListenAddr)
	return nil
}
