package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bank-sync/internal/database"
	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/logger"
	"github.com/bank-sync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	addRequisition string
	addSecretID    string
	addSecretKey   string
	addInterval    time.Duration
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage linked bank connections",
	Long:  "Commands for managing and viewing linked bank connections",
}

var listConnectionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all connections",
	Long:  "List all linked bank connections in the system",
	RunE: func(cmd *cobra.Command, args []string) error {
		mysqlClient, err := connectMySQL()
		if err != nil {
			return err
		}
		defer mysqlClient.Close()

		conns, err := mysqlClient.GetConnections(context.Background())
		if err != nil {
			return fmt.Errorf("failed to load connections: %w", err)
		}

		if len(conns) == 0 {
			fmt.Println("No connections found")
			return nil
		}

		fmt.Printf("%-20s %-40s %-12s %s\n", "ID", "Requisition", "Interval", "Last Update")
		for _, conn := range conns {
			lastUpdate := "-"
			if !conn.LastUpdateTime.IsZero() {
				lastUpdate = conn.LastUpdateTime.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %-40s %-12s %s\n", conn.ID, conn.RequisitionID, conn.BaseInterval, lastUpdate)
		}

		return nil
	},
}

var addConnectionCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Add a connection",
	Long: `Record a linked bank connection.

The requisition must already be authorized with the provider; this
command only stores the identifiers the coordinator needs. The token
pair is minted on the connection's first fetch cycle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mysqlClient, err := connectMySQL()
		if err != nil {
			return err
		}
		defer mysqlClient.Close()

		conn := &models.Connection{
			ID:            args[0],
			RequisitionID: addRequisition,
			SecretID:      addSecretID,
			SecretKey:     addSecretKey,
			BaseInterval:  addInterval,
		}

		if err := mysqlClient.InsertConnection(context.Background(), conn); err != nil {
			return err
		}

		fmt.Printf("Connection %s added\n", conn.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectionsCmd)
	connectionsCmd.AddCommand(listConnectionsCmd)
	connectionsCmd.AddCommand(addConnectionCmd)

	addConnectionCmd.Flags().StringVar(&addRequisition, "requisition", "", "Requisition id of the completed bank link")
	addConnectionCmd.Flags().StringVar(&addSecretID, "secret-id", "", "Provider API secret id")
	addConnectionCmd.Flags().StringVar(&addSecretKey, "secret-key", "", "Provider API secret key")
	addConnectionCmd.Flags().DurationVar(&addInterval, "interval", 6*time.Hour, "Base polling interval")
	addConnectionCmd.MarkFlagRequired("requisition")
	addConnectionCmd.MarkFlagRequired("secret-id")
	addConnectionCmd.MarkFlagRequired("secret-key")
}

func connectMySQL() (*database.MySQLClient, error) {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Note: .env file not loaded: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	mysqlClient, err := database.NewMySQLClient(&cfg.MySQL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	return mysqlClient, nil
}
