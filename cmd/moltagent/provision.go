package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <manifest-path>",
	Short: "Deploy an agent from a manifest",
	Long: `Validate a manifest, then ask the control plane to provision a VPS,
bootstrap it, and register the agent in the fleet.

Examples:
  moltagent provision agent.yaml
  moltagent provision agent.json --provider docker-local`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().String("provider", "", "Override the manifest's VPS provider")
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	if providerName, _ := cmd.Flags().GetString("provider"); providerName != "" {
		m.Resources.Provider = providerName
	}

	payload, err := m.Serialize()
	if err != nil {
		return err
	}

	var resp struct {
		AgentID  string             `json:"agentId"`
		Instance *types.VpsInstance `json:"instance"`
	}
	client := clientFromFlags(cmd)
	if err := client.do("POST", "/dashboard/agents", json.RawMessage(payload), &resp); err != nil {
		return fmt.Errorf("provisioning failed: %v", err)
	}

	fmt.Printf("✓ Agent %s (%s) provisioning\n", m.Identity.Name, resp.AgentID)
	if resp.Instance != nil {
		fmt.Printf("  Provider: %s\n", resp.Instance.Provider)
		fmt.Printf("  Instance: %s\n", resp.Instance.ID)
		if resp.Instance.PublicIPv4 != "" {
			fmt.Printf("  Address:  %s\n", resp.Instance.PublicIPv4)
		}
	}
	return nil
}

var validateCmd = &cobra.Command{
	Use:   "validate <manifest-path>",
	Short: "Validate a manifest without deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Manifest valid\n")
		fmt.Printf("  Agent: %s (%s)\n", m.Identity.Name, m.Identity.ID)
		fmt.Printf("  Model: %s/%s\n", m.AgentConfig.ModelProvider, m.AgentConfig.ModelName)
		fmt.Printf("  Plane: %s\n", m.ControlPlane.URL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
