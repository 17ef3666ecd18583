package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/sandbox"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List agent roles with their expertise and resource ceilings",
	RunE:  runRoles,
}

func runRoles(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	roles, err := rolesFromConfig(cfg.Agents.Roles)
	if err != nil {
		return err
	}

	var rows [][]string
	for _, typ := range roles.Types() {
		r, _ := roles.Lookup(typ)
		rows = append(rows, []string{
			string(typ),
			r.Name,
			strings.Join(r.Expertise, ", "),
			formatLimits(r.Limits),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"TYPE", "NAME", "EXPERTISE", "LIMITS"}, rows, -1))
	return nil
}

func formatLimits(l sandbox.Limits) string {
	var parts []string
	if l.MaxCPUPercent > 0 {
		parts = append(parts, fmt.Sprintf("cpu %.0f%%", l.MaxCPUPercent))
	}
	if l.MaxMemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("mem %dMB", l.MaxMemoryMB))
	}
	if l.MaxDiskMB > 0 {
		parts = append(parts, fmt.Sprintf("disk %dMB", l.MaxDiskMB))
	}
	if l.TimeLimit > 0 {
		parts = append(parts, "time "+l.TimeLimit.String())
	}
	if len(parts) == 0 {
		return "defaults"
	}
	return strings.Join(parts, " ")
}
