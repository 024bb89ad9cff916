package app

import (
	"context"
	"time"

	"github.com/bank-sync/internal/cache"
	"github.com/bank-sync/internal/database"
	"github.com/bank-sync/internal/messaging"
	"github.com/bank-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// snapshotFanout distributes coordinator cycle results to the cache,
// messaging, history and persistence layers. Sink failures are logged
// and never fed back into the coordinator: a fetched snapshot set is
// already published to API readers through the coordinator itself.
type snapshotFanout struct {
	mysql  *database.MySQLClient
	influx *database.InfluxClient
	redis  *cache.RedisClient
	nats   *messaging.NATSClient
	logger *logrus.Entry
}

func (f *snapshotFanout) PublishSnapshots(ctx context.Context, conn *models.Connection, snaps []*models.BalanceSnapshot, lastUpdated time.Time) {
	update := &models.BalanceUpdate{
		ConnectionID: conn.ID,
		Snapshots:    snaps,
		LastUpdated:  lastUpdated,
	}

	if f.redis != nil {
		if err := f.redis.SetBalances(ctx, conn.ID, update); err != nil {
			f.logger.WithError(err).Warn("Failed to cache balances")
		}
	}

	if f.nats != nil {
		if err := f.nats.PublishBalances(update); err != nil {
			f.logger.WithError(err).Warn("Failed to publish balance update")
		}
	}

	if f.influx != nil {
		if err := f.influx.WriteBalanceHistory(ctx, conn.ID, snaps); err != nil {
			f.logger.WithError(err).Warn("Failed to write balance history")
		}
	}

	if f.mysql != nil {
		if err := f.mysql.UpdateLastSync(ctx, conn.ID, lastUpdated); err != nil {
			f.logger.WithError(err).Warn("Failed to stamp last sync time")
		}
	}
}

func (f *snapshotFanout) PublishStatus(ctx context.Context, status *models.SyncStatus) {
	if f.redis == nil {
		return
	}
	if err := f.redis.SetStatus(ctx, status); err != nil {
		f.logger.WithError(err).Warn("Failed to cache sync status")
	}
}

func (f *snapshotFanout) PublishAlert(ctx context.Context, alert *models.SyncAlert) {
	if f.nats == nil {
		return
	}
	if err := f.nats.PublishAlert(alert); err != nil {
		f.logger.WithError(err).Warn("Failed to publish alert")
	}
}
