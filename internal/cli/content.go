package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/terra-clan/assessment-engine/internal/content"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a content pack without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := content.NewLoader()
			if err := loader.LoadFromDir(args[0]); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ex := range loader.List() {
				fmt.Fprintf(out, "ok    %s (%d challenges)\n", ex.ID, len(ex.Challenges))
				for _, ch := range ex.Challenges {
					for _, adv := range content.Advisories(ch) {
						fmt.Fprintf(out, "warn  %s: %s: %s\n", ch.ID, adv.Field, adv.Message)
					}
				}
			}

			failures := loader.Failures()
			if len(failures) == 0 {
				return nil
			}
			names := make([]string, 0, len(failures))
			for name := range failures {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "FAIL  %s: %v\n", name, failures[name])
			}
			return fmt.Errorf("%d exercise(s) failed validation", len(failures))
		},
	}
}

func newSeedCmd() *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "seed <dir>",
		Short: "Load a content pack into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			loader := content.NewLoader()
			if err := loader.LoadFromDir(args[0]); err != nil {
				return err
			}
			if failures := loader.Failures(); len(failures) > 0 {
				return fmt.Errorf("%d exercise(s) failed validation, run validate for details", len(failures))
			}

			repo, err := openRepository(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer repo.Close()

			saved, err := seedContent(cmd.Context(), repo, loader, !keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d exercise(s)\n", saved)
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep-existing", false, "skip exercises that already exist instead of replacing them")
	return cmd
}

// seedContent writes every loaded exercise tree. Without replace, exercises
// already in the store are left untouched.
func seedContent(ctx context.Context, repo storage.Repository, loader *content.Loader, replace bool) (int, error) {
	saved := 0
	for _, ex := range loader.List() {
		if !replace {
			existing, err := repo.GetExercise(ctx, ex.ID)
			if err != nil {
				return saved, fmt.Errorf("failed to check exercise %s: %w", ex.ID, err)
			}
			if existing != nil {
				slog.Debug("exercise already present, skipping", "id", ex.ID)
				continue
			}
		}

		if err := repo.SaveExerciseTree(ctx, ex); err != nil {
			return saved, fmt.Errorf("failed to save exercise %s: %w", ex.ID, err)
		}
		saved++
	}
	return saved, nil
}
