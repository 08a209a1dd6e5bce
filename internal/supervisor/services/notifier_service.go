// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

package services

import (
	"context"
	"fmt"
)

// NotificationRunner matches the notifier's blocking Run method.
type NotificationRunner interface {
	Run(ctx context.Context) error
}

// NotifierService runs the cycle-event notifier under supervision.
type NotifierService struct {
	runner NotificationRunner
	name   string
}

// NewNotifierService creates the notifier wrapper.
func NewNotifierService(runner NotificationRunner) *NotifierService {
	return &NotifierService{
		runner: runner,
		name:   "notifier",
	}
}

// Serve implements suture.Service.
func (n *NotifierService) Serve(ctx context.Context) error {
	if err := n.runner.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("notifier failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (n *NotifierService) String() string {
	return n.name
}
