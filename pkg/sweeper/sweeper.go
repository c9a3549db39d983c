// SPDX-FileCopyrightText: Copyright 2026 Quartzband, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sweeper runs the background retention tasks: hourly purge of
// revoked-and-expired tokens, hourly trim of the rolling activity table, and
// hourly housekeeping (database size guardrail, token cache pruning).
package sweeper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quartzband/beacond/pkg/logger"
	"github.com/quartzband/beacond/pkg/store"
	"github.com/quartzband/beacond/pkg/tokens"
)

// DefaultInterval is how often each retention task fires.
const DefaultInterval = time.Hour

// DefaultRetention is the rolling-activity retention window.
const DefaultRetention = 24 * time.Hour

// Sweeper owns the two periodic retention tasks. Failures are logged and
// retried on the next tick; they never take the server down.
type Sweeper struct {
	tokens    *tokens.Manager
	db        *store.DB
	interval  time.Duration
	retention time.Duration
}

// New creates a sweeper. Zero interval and retention select the defaults.
func New(tm *tokens.Manager, db *store.DB, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{tokens: tm, db: db, interval: interval, retention: retention}
}

// Run starts the retention loops and blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.loop(ctx, "token purge", s.purgeTokens)
	})
	group.Go(func() error {
		return s.loop(ctx, "recent activity trim", s.trimRecentActivity)
	})
	group.Go(func() error {
		return s.loop(ctx, "housekeeping", s.housekeep)
	})

	return group.Wait()
}

func (s *Sweeper) loop(ctx context.Context, name string, task func(context.Context) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debugf("Retention task %q stopping", name)
			return ctx.Err()
		case <-ticker.C:
			if err := task(ctx); err != nil {
				logger.Errorw("Retention task failed", "task", name, "error", err)
			}
		}
	}
}

func (s *Sweeper) purgeTokens(ctx context.Context) error {
	_, err := s.tokens.PurgeExpiredTokens(ctx)
	return err
}

func (s *Sweeper) trimRecentActivity(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := store.NewActivityStore(s.db.DB()).PurgeRecent(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logger.Debugf("Trimmed %d recent activity rows", deleted)
	}
	return nil
}

// housekeep checks the database size guardrail and prunes stale token cache
// entries. Exceeding the size limit is logged and tolerated; the server
// keeps serving and an admin-initiated vacuum reclaims the space.
func (s *Sweeper) housekeep(context.Context) error {
	if err := s.db.CheckSize(); err != nil {
		if errors.Is(err, store.ErrSizeExceeded) {
			logger.Warnw("Database size limit exceeded", "error", err)
		} else {
			logger.Errorw("Database size check failed", "error", err)
		}
	}

	s.tokens.Cache().ClearExpired()
	return nil
}
