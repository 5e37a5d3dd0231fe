// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager hosts the daemon's periodic services on a single
// gocron scheduler: fuzzy backend sync, symbol stats refresh and roll
// history persistence.
package taskmanager

import (
	"math/rand"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
)

var s gocron.Scheduler

// parseDuration parses a duration string and handles errors by logging
// them. It returns the duration and any error encountered.
func parseDuration(str string) (time.Duration, error) {
	interval, err := time.ParseDuration(str)
	if err != nil {
		cclog.Warnf("Could not parse duration for sync interval: %v", str)
		return 0, err
	}

	if interval == 0 {
		cclog.Info("TaskManager: Sync interval is zero")
	}

	return interval, nil
}

// Start creates and starts the scheduler. Register* calls may happen
// before or after.
func Start() {
	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		cclog.Abortf("Taskmanager Start: Could not create gocron scheduler.\nError: %s\n", err.Error())
	}

	s.Start()
}

// RegisterService schedules fn at the given interval string.
func RegisterService(name, interval string, fn func()) {
	d, err := parseDuration(interval)
	if err != nil || d <= 0 {
		return
	}

	cclog.Infof("Register %s service with %s interval", name, interval)
	if _, err := s.NewJob(gocron.DurationJob(d),
		gocron.NewTask(fn)); err != nil {
		cclog.Errorf("Failed to register %s service: %v", name, err)
	}
}

// RegisterJitteredService schedules fn at interval with ±frac jitter
// per run, so fleet members do not fire in lockstep.
func RegisterJitteredService(name, interval string, frac float64, fn func()) {
	base, err := parseDuration(interval)
	if err != nil || base <= 0 {
		return
	}

	cclog.Infof("Register %s service with %s jittered interval", name, interval)
	_, err = s.NewJob(gocron.DurationRandomJob(
		base-time.Duration(float64(base)*frac),
		base+time.Duration(float64(base)*frac)),
		gocron.NewTask(fn))
	if err != nil {
		cclog.Errorf("Failed to register %s service: %v", name, err)
	}
}

// Jitter spreads d by ±frac for one-shot timers.
func Jitter(d time.Duration, frac float64) time.Duration {
	spread := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// Shutdown stops the scheduler.
func Shutdown() {
	if s != nil {
		s.Shutdown()
	}
}
