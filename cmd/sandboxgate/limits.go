package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sciffer/sandboxgate/pkg/models"
)

var (
	limitsModel string
	limitsUser  string
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the configured request limits for a model",
	Long: `Resolve the rate-limit bucket for a model and print the per-window
limit for each plan. With --user the user's stored plan is marked.`,
	RunE: runLimits,
}

var planCmd = &cobra.Command{
	Use:   "plan <user-id> <free|pro|team>",
	Short: "Set a user's subscription plan",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlan,
}

func init() {
	limitsCmd.Flags().StringVar(&limitsModel, "model", "", "model name to resolve (required)")
	limitsCmd.Flags().StringVar(&limitsUser, "user", "", "user whose plan to look up")
	_ = limitsCmd.MarkFlagRequired("model")
}

func runLimits(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // Best effort sync on exit
		log.Sync()
	}()

	current := models.PlanType("")
	if limitsUser != "" {
		db, err := openDB(cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if current, err = db.PlanType(cmd.Context(), limitsUser); err != nil {
			return fmt.Errorf("failed to look up plan: %w", err)
		}
	}

	policy := newPolicy(cfg)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model:  %s\nbucket: %s\nwindow: %dm\n\n", limitsModel, policy.Bucket(limitsModel), cfg.RateLimit.WindowMinutes)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tLIMIT\t")
	for _, plan := range []models.PlanType{models.PlanFree, models.PlanPro, models.PlanTeam} {
		marker := ""
		if plan == current {
			marker = "<- " + limitsUser
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", plan, policy.ResolveLimit(limitsModel, plan), marker)
	}
	return tw.Flush()
}

func runPlan(cmd *cobra.Command, args []string) error {
	userID, raw := args[0], args[1]
	plan := models.ParsePlanType(raw)
	if string(plan) != raw {
		return fmt.Errorf("unknown plan %q (want free, pro or team)", raw)
	}

	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // Best effort sync on exit
		log.Sync()
	}()

	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetPlanType(cmd.Context(), userID, plan); err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now on the %s plan\n", userID, plan)
	return nil
}
