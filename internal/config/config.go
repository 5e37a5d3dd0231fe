// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the daemon configuration file and hands every
// subsystem its raw JSON subtree. Subsystems own a package-level Keys
// struct and an Init(json.RawMessage) that decodes it.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	ccconf "github.com/ClusterCockpit/cc-lib/v2/ccConfig"
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// MainConfig is the "main" subtree of the configuration file.
type MainConfig struct {
	// Server name used in log tags and the reply banner.
	ServerName string `json:"server-name"`

	// Directory for runtime state (statfiles, roll history dumps).
	VarDir string `json:"var-dir"`

	// Maximum message size accepted by the scan protocol in bytes.
	MaxMessageSize int64 `json:"max-message-size"`

	// Hard per-task deadline. Pending async events are cancelled when
	// it fires and the task replies with whatever it has.
	TaskTimeout string `json:"task-timeout"`

	// Number of entries kept in the roll history ring.
	HistoryRows int `json:"history-rows"`

	// Soft and hard shutdown deadlines for draining workers.
	SoftShutdownTimeout string `json:"soft-shutdown-timeout"`
	HardShutdownTimeout string `json:"hard-shutdown-timeout"`

	// Default cap on repeated insertions of one symbol per task.
	DefaultMaxShots int `json:"default-max-shots"`
}

var Keys MainConfig = MainConfig{
	ServerName:          "mailguard",
	VarDir:              "./var",
	MaxMessageSize:      50 * 1024 * 1024,
	TaskTimeout:         "8s",
	HistoryRows:         200,
	SoftShutdownTimeout: "10s",
	HardShutdownTimeout: "60s",
	DefaultMaxShots:     100,
}

// Init loads and validates the configuration file. Subsystem subtrees
// are fetched afterwards with GetPackageConfig. MAILGUARD_CONFDIR is
// honored by the caller when resolving flagConfigFile.
func Init(flagConfigFile string) {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if !os.IsNotExist(err) {
			cclog.Abortf("Config Init: Could not read config file '%s'.\nError: %s\n",
				flagConfigFile, err.Error())
		}
		return
	}

	Validate(configSchema, raw)
	ccconf.Init(flagConfigFile)

	if cfg := ccconf.GetPackageConfig("main"); cfg != nil {
		dec := json.NewDecoder(bytes.NewReader(cfg))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&Keys); err != nil {
			cclog.Abortf("Config Init: Could not decode 'main' config.\nError: %s\n", err.Error())
		}
	}
}

// GetPackageConfig returns the raw subtree for key, or nil if absent.
func GetPackageConfig(key string) json.RawMessage {
	return ccconf.GetPackageConfig(key)
}
