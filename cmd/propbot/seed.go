package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/propbot/propbot/internal/app"
	"github.com/propbot/propbot/internal/matcher"
	"github.com/propbot/propbot/internal/opportunity"
)

var seedProfile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed default capability filters and, optionally, the company profile",
	Long: `Insert the default NAICS codes and keywords. Existing filters are kept.

Examples:
  propbot seed
  propbot seed --profile profile.yaml   # also replace the company profile`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedProfile, "profile", "p", "", "YAML file with the company profile")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var profile *opportunity.CompanyProfile
	if seedProfile != "" {
		p, err := loadProfile(seedProfile)
		if err != nil {
			return err
		}
		profile = p
	}

	deps, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer deps.Close()

	inserted, err := deps.Store.SeedFilters(ctx, matcher.DefaultFilters())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "capability filters: %d inserted\n", inserted)

	if profile != nil {
		if err := deps.Store.SaveProfile(ctx, profile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "company profile saved: %s\n", profile.CompanyName)
	}
	return nil
}

func loadProfile(path string) (*opportunity.CompanyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}
	var p opportunity.CompanyProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.CompanyName == "" {
		return nil, fmt.Errorf("profile %s: company_name is required", path)
	}
	return &p, nil
}
