package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veilworks/veil/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with anonymization policies",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a policy document",
	Long: `Parse a policy document (YAML or JSON, structured or legacy flat
shape) and report the first problem found. Exits non-zero when the document
is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		if err := policy.Validate(data); err != nil {
			return err
		}

		cfg, err := policy.Parse("cli", 0, data)
		if err != nil {
			return err
		}
		fmt.Printf("Policy OK: %d entities, threshold %.2f, default action %s\n",
			len(cfg.Entities), cfg.ConfidenceThreshold, cfg.DefaultAction)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
}
