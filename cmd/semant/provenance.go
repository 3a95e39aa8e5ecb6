package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicholaskb/semant/internal/provenance"
)

var (
	provKind    string
	provSubject string
	provStatus  string
	provSince   string
	provLimit   int
)

var provenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "Query the provenance log",
}

var provenanceQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query persisted occurrents",
	Long: `Queries the persisted provenance trail, newest first. Filters
combine conjunctively; omitted filters match everything.`,
	RunE: runProvenanceQuery,
}

func init() {
	provenanceQueryCmd.Flags().StringVar(&provKind, "kind", "", "occurrent kind (workflow|step|agent_interaction)")
	provenanceQueryCmd.Flags().StringVar(&provSubject, "subject", "", "subject ID")
	provenanceQueryCmd.Flags().StringVar(&provStatus, "status", "", "occurrent status")
	provenanceQueryCmd.Flags().StringVar(&provSince, "since", "", "only occurrents starting after this RFC3339 time")
	provenanceQueryCmd.Flags().IntVar(&provLimit, "limit", 50, "maximum number of occurrents to print")

	provenanceCmd.AddCommand(provenanceQueryCmd)
}

func runProvenanceQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	filter := provenance.Filter{
		Kind:      provenance.Kind(provKind),
		SubjectID: provSubject,
		Status:    provStatus,
	}
	if provSince != "" {
		since, err := time.Parse(time.RFC3339, provSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		filter.Since = since
	}

	store, mapper, err := openMapper(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	occurrents, err := mapper.LoadOccurrents(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if provLimit > 0 && len(occurrents) > provLimit {
		occurrents = occurrents[:provLimit]
	}

	printJSON(cmd, occurrents)
	return nil
}
