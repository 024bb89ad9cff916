package commands

import (
	"context"
	"fmt"

	"github.com/bank-sync/internal/coordinator"
	"github.com/bank-sync/internal/credentials"
	"github.com/bank-sync/internal/provider"
	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/logger"
	"github.com/bank-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	fetchRequisition string
)

// fetchCmd runs a single fetch cycle without the service shell. Useful
// for verifying provider credentials and requisitions from the CLI.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run a one-shot balance fetch",
	Long: `Fetch the current balances for one requisition and print them.

Credentials come from the environment (PROVIDER_SECRET_ID,
PROVIDER_SECRET_KEY); a fresh token pair is minted for the run and
discarded afterwards. Nothing is cached, published or persisted.

Examples:
  bank-sync fetch --requisition 8126e9fb-93c9-4228-937c-68f45f6658f5`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchRequisition, "requisition", "r", "", "Requisition id to fetch")
	fetchCmd.MarkFlagRequired("requisition")
}

func runFetch(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Provider.SecretID == "" || cfg.Provider.SecretKey == "" {
		return fmt.Errorf("PROVIDER_SECRET_ID and PROVIDER_SECRET_KEY are required")
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	client := provider.NewClient(&cfg.Provider, log)

	conn := &models.Connection{
		ID:            "cli",
		RequisitionID: fetchRequisition,
		SecretID:      cfg.Provider.SecretID,
		SecretKey:     cfg.Provider.SecretKey,
	}

	// Start with an empty credential set; the coordinator's repair path
	// mints the token pair on the first unauthorized response.
	store := credentials.NewStore(models.CredentialSet{}, nil)

	c := coordinator.New(
		conn,
		client,
		store,
		coordinator.SystemClock,
		nil,
		cfg.Sync.BaseInterval,
		log,
	)

	c.RunCycle(context.Background())

	if failure := c.LastFailure(); failure != nil {
		return fmt.Errorf("fetch failed: %s (%s)", failure.Reason, failure.Detail)
	}

	snaps := c.Snapshots()
	fmt.Printf("Fetched %d balance(s) at %s\n\n", len(snaps), c.LastUpdated().Format("2006-01-02 15:04:05"))
	for _, s := range snaps {
		fmt.Printf("  %-36s  %-12s  %10s %s  (%s)\n",
			s.AccountID, s.BalanceType, s.Amount, s.Currency, s.InstitutionID)
	}

	return nil
}
