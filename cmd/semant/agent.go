package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicholaskb/semant/internal/provenance"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect worker agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents observed in the provenance log",
	Long: `Aggregates persisted agent-interaction occurrents per agent:
interaction count, last outcome, and last seen time. Registration is
in-process state, so a fresh invocation reports history, not liveness.`,
	RunE: runAgentList,
}

func init() {
	agentCmd.AddCommand(agentListCmd)
}

type agentSummary struct {
	interactions int
	lastStatus   string
	lastSeen     time.Time
}

func runAgentList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, mapper, err := openMapper(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	occurrents, err := mapper.LoadOccurrents(cmd.Context(), provenance.Filter{
		Kind: provenance.KindAgentInteraction,
	})
	if err != nil {
		return err
	}

	summaries := make(map[string]*agentSummary)
	for _, o := range occurrents {
		s, ok := summaries[o.SubjectID]
		if !ok {
			s = &agentSummary{}
			summaries[o.SubjectID] = s
		}
		s.interactions++
		if o.StartTime.After(s.lastSeen) {
			s.lastSeen = o.StartTime
			s.lastStatus = o.Status
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tINTERACTIONS\tLAST STATUS\tLAST SEEN")
	for agentID, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			agentID, s.interactions, s.lastStatus, s.lastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}
