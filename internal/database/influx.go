package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bank-sync/pkg/config"
	"github.com/bank-sync/pkg/models"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// InfluxClient stores balance history as time-series points
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	logger   *logrus.Entry
	cfg      *config.InfluxConfig
	org      string
	bucket   string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0), // Silent - no logs
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.WithField("component", "influxdb"),
		cfg:      cfg,
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	ic.client.Close()
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// WriteBalanceHistory writes one point per snapshot of a completed fetch
// cycle. Amounts that do not parse as decimals are skipped.
func (ic *InfluxClient) WriteBalanceHistory(ctx context.Context, connectionID string, snaps []*models.BalanceSnapshot) error {
	points := make([]*write.Point, 0, len(snaps))

	for _, snap := range snaps {
		amount, err := strconv.ParseFloat(snap.Amount, 64)
		if err != nil {
			ic.logger.WithFields(logrus.Fields{
				"account": snap.AccountID,
				"amount":  snap.Amount,
			}).Warn("Skipping unparseable balance amount")
			continue
		}

		point := influxdb2.NewPoint(
			"balance",
			map[string]string{
				"connection":   connectionID,
				"account":      snap.AccountID,
				"balance_type": snap.BalanceType,
				"currency":     snap.Currency,
			},
			map[string]interface{}{
				"amount": amount,
			},
			snap.FetchedAt,
		)
		points = append(points, point)
	}

	if len(points) == 0 {
		return nil
	}

	if err := ic.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write balance history: %w", err)
	}

	return nil
}

// QueryBalanceHistory returns the balance points of one account over a
// time range, oldest first.
func (ic *InfluxClient) QueryBalanceHistory(ctx context.Context, connectionID, accountID string, from, to time.Time) ([]*models.BalancePoint, error) {
	flux := fmt.Sprintf(`
		from(bucket: %q)
		|> range(start: %s, stop: %s)
		|> filter(fn: (r) => r._measurement == "balance")
		|> filter(fn: (r) => r.connection == %q and r.account == %q)
		|> filter(fn: (r) => r._field == "amount")
		|> sort(columns: ["_time"])
	`, ic.bucket, from.Format(time.RFC3339), to.Format(time.RFC3339), connectionID, accountID)

	result, err := ic.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer result.Close()

	var points []*models.BalancePoint
	for result.Next() {
		record := result.Record()

		amount, ok := record.Value().(float64)
		if !ok {
			continue
		}

		balanceType, _ := record.ValueByKey("balance_type").(string)
		points = append(points, &models.BalancePoint{
			AccountID:   accountID,
			BalanceType: balanceType,
			Amount:      amount,
			Timestamp:   record.Time(),
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("failed to read query result: %w", result.Err())
	}

	return points, nil
}
