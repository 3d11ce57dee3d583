package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/dag"
	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// plan 子命令
// ============================================================================

func buildPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
	}
	cmd.AddCommand(buildApplyCommand())
	cmd.AddCommand(buildTriggerCommand())
	cmd.AddCommand(buildTriggerJobCommand())
	cmd.AddCommand(buildEnableCommand("enable", true))
	cmd.AddCommand(buildEnableCommand("disable", false))
	return cmd
}

func buildApplyCommand() *cobra.Command {
	var file string
	var planID int64

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create a plan or publish a new version",
		Long:  "Validate a plan definition file and write it to the database. With --id a new version of an existing plan is published.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyPlan(cmd, file, planID)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "plan definition file (YAML)")
	cmd.Flags().Int64Var(&planID, "id", 0, "existing plan id to update")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func applyPlan(cmd *cobra.Command, file string, planID int64) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read plan file: %w", err)
	}
	var def types.PlanDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	plan, info, err := buildPlan(&def, time.Now())
	if err != nil {
		return err
	}

	repo, closeDB, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()
	if planID > 0 {
		version, err := repo.UpdatePlan(ctx, planID, info, plan.NextTriggerAt)
		if err != nil {
			return fmt.Errorf("failed to update plan %d: %w", planID, err)
		}
		fmt.Fprintf(out, "✓ plan %d updated to version %d\n", planID, version)
		return nil
	}
	if err := repo.CreatePlan(ctx, plan, info); err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	fmt.Fprintf(out, "✓ plan %d created (%s, slot %d)\n", plan.ID, plan.Name, plan.Slot)
	if plan.NextTriggerAt > 0 {
		fmt.Fprintf(out, "  first trigger: %s\n", time.UnixMilli(plan.NextTriggerAt).Format(time.RFC3339))
	}
	return nil
}

// buildPlan 驗證計劃定義並補齊預設值
func buildPlan(def *types.PlanDefinition, now time.Time) (*types.Plan, *types.PlanInfo, error) {
	if def.Name == "" {
		return nil, nil, errors.New("plan name is required")
	}
	if def.ScheduleType == "" {
		def.ScheduleType = types.ScheduleNone
	}
	if def.TriggerType == "" {
		def.TriggerType = types.TriggerSchedule
		if def.ScheduleType == types.ScheduleNone {
			def.TriggerType = types.TriggerAPI
		}
	}
	if def.TriggerType == types.TriggerSchedule && def.ScheduleType == types.ScheduleNone {
		return nil, nil, fmt.Errorf("plan %q: SCHEDULE trigger needs a schedule type", def.Name)
	}

	jobs := make([]types.WorkflowJob, len(def.Jobs))
	for i, j := range def.Jobs {
		if !def.Workflow && j.ID == 0 {
			j.ID = 1
		}
		if j.Group == "" {
			j.Group = "default"
		}
		if j.TriggerType == "" {
			j.TriggerType = types.TriggerSchedule
		}
		if j.LoadBalance == "" {
			j.LoadBalance = types.BalanceRoundRobin
		}
		if j.RetryTimes < 0 || j.RetryInterval < 0 {
			return nil, nil, fmt.Errorf("plan %q job %d: negative retry settings", def.Name, j.ID)
		}
		jobs[i] = j
	}

	info := &types.PlanInfo{
		Workflow:     def.Workflow,
		Jobs:         jobs,
		ScheduleType: def.ScheduleType,
		ScheduleConf: def.ScheduleConf,
	}
	if _, err := dag.FromPlanInfo(info); err != nil {
		return nil, nil, fmt.Errorf("plan %q: %w", def.Name, err)
	}

	plan := &types.Plan{
		Name:         def.Name,
		Enabled:      true,
		TriggerType:  def.TriggerType,
		ScheduleType: def.ScheduleType,
		ScheduleConf: def.ScheduleConf,
	}
	if def.ScheduleType != types.ScheduleNone {
		first, err := metatask.FirstTrigger(def.ScheduleType, def.ScheduleConf, now)
		if err != nil {
			return nil, nil, fmt.Errorf("plan %q: %w", def.Name, err)
		}
		plan.NextTriggerAt = first.UnixMilli()
	}
	return plan, info, nil
}

func buildTriggerCommand() *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:   "trigger <planId>",
		Short: "Trigger the current version of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			client := rpc.NewClient("")
			defer client.Close()

			resp, err := client.TriggerPlan(cmdContext(cmd), brokerAddr(cfg, broker), planID)
			if err != nil {
				return fmt.Errorf("failed to trigger plan %d: %w", planID, err)
			}
			if !resp.Triggered {
				fmt.Fprintf(cmd.OutOrStdout(), "plan %d not triggered (stale version or duplicate)\n", planID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ plan %d triggered, instance %d\n", planID, resp.PlanInstanceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "broker address host:port (default node.host:node.port)")
	return cmd
}

func buildTriggerJobCommand() *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:   "trigger-job <planInstanceId> <jobId>",
		Short: "Start a workflow node that waits for an API trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			piID, err := parseID(args[0])
			if err != nil {
				return err
			}
			jobID, err := parseID(args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			client := rpc.NewClient("")
			defer client.Close()

			resp, err := client.TriggerJob(cmdContext(cmd), brokerAddr(cfg, broker), piID, jobID)
			if err != nil {
				return fmt.Errorf("failed to trigger job %d of instance %d: %w", jobID, piID, err)
			}
			if !resp.Triggered {
				fmt.Fprintf(cmd.OutOrStdout(), "job %d not triggered (predecessors pending or already started)\n", jobID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ job %d of instance %d triggered\n", jobID, piID)
			return nil
		},
	}
	cmd.Flags().StringVar(&broker, "broker", "", "broker address host:port (default node.host:node.port)")
	return cmd
}

func buildEnableCommand(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <planId>",
		Short: fmt.Sprintf("%s a plan", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			repo, closeDB, err := openRepository(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := repo.SetPlanEnabled(cmdContext(cmd), planID, enabled); err != nil {
				return fmt.Errorf("failed to %s plan %d: %w", use, planID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ plan %d %sd\n", planID, use)
			return nil
		},
	}
}

func brokerAddr(cfg *config.Config, flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Node.Self().String()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
