package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terra-clan/assessment-engine/internal/models"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage API clients",
	}
	cmd.AddCommand(newClientCreateCmd())
	return cmd
}

func newClientCreateCmd() *cobra.Command {
	var (
		name        string
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API client and print its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := openRepository(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer repo.Close()

			key, err := models.GenerateApiKey()
			if err != nil {
				return fmt.Errorf("failed to generate api key: %w", err)
			}

			client := &models.ApiClient{
				Name:        strings.TrimSpace(name),
				ApiKey:      key,
				IsActive:    true,
				Permissions: permissions,
			}
			if err := repo.CreateApiClient(cmd.Context(), client); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "client %q (id %d)\napi key: %s\n", client.Name, client.ID, key)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringSliceVar(&permissions, "permissions", []string{"exercises:read", "sessions:*"},
		"granted permissions (exercises:*, sessions:*, progress:write, *)")
	return cmd
}
