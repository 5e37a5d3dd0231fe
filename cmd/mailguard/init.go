// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import "github.com/mailguard/mailguard/internal/config"

// registerConfigDocs feeds the confighelp registry. Workers register
// their options here before the configuration layer drives their
// initialization.
func registerConfigDocs() {
	config.RegisterOptions("main", []config.OptionDoc{
		{Path: "server-name", Doc: "Server name used in log tags and the reply banner.", Default: "mailguard", Type: "string"},
		{Path: "var-dir", Doc: "Directory for runtime state (statfiles, roll history dumps).", Default: "./var", Type: "string"},
		{Path: "max-message-size", Doc: "Maximum message size accepted by the scan protocol in bytes.", Default: "52428800", Type: "integer"},
		{Path: "task-timeout", Doc: "Hard per-task deadline; pending async events are cancelled when it fires.", Default: "8s", Type: "duration"},
		{Path: "history-rows", Doc: "Number of entries kept in the roll history ring.", Default: "200", Type: "integer"},
		{Path: "soft-shutdown-timeout", Doc: "How long a terminating worker refuses new work while draining.", Default: "10s", Type: "duration"},
		{Path: "hard-shutdown-timeout", Doc: "Deadline after which a terminating worker exits regardless of in-flight tasks.", Default: "60s", Type: "duration"},
		{Path: "default-max-shots", Doc: "Default cap on repeated insertions of one symbol per task.", Default: "100", Type: "integer"},
	})

	config.RegisterOptions("metric", []config.OptionDoc{
		{Path: "name", Doc: "Metric name; most deployments run a single default metric.", Default: "default", Type: "string"},
		{Path: "grow-factor", Doc: "Multiplier applied to each further positive score insertion.", Default: "0", Type: "number"},
		{Path: "subject", Doc: "Subject rewrite template for the rewrite-subject action; %s expands to the original subject.", Type: "string"},
		{Path: "actions", Doc: "Score thresholds per action: reject, rewrite-subject, add-header, greylist.", Type: "object"},
		{Path: "groups", Doc: "Symbol groups with max-score caps; positive insertions clip at the cap.", Type: "array"},
		{Path: "symbols", Doc: "Static symbol scores with optional group, one-shot and max-shots.", Type: "array"},
		{Path: "composites", Doc: "Synthetic symbols fired by boolean expressions over inserted symbols.", Type: "array"},
	})

	config.RegisterOptions("workers", []config.OptionDoc{
		{Path: "normal.listen", Doc: "Listen address of the scan worker.", Default: "127.0.0.1:11333", Type: "string"},
		{Path: "fuzzy.listen", Doc: "UDP listen address of the fuzzy storage worker.", Default: "127.0.0.1:11335", Type: "string"},
		{Path: "controller.listen", Doc: "Listen address of the controller HTTP surface.", Type: "string"},
		{Path: "controller.password", Doc: "Bcrypt hash required by mutating controller endpoints.", Type: "string"},
		{Path: "fuzzy-servers", Doc: "Fuzzy storage servers queried by the scan rules.", Type: "string"},
	})

	config.RegisterOptions("fuzzy", []config.OptionDoc{
		{Path: "expire", Doc: "Hash expiry in seconds; entries past it are elided by reads and compacted by sync.", Default: "172800", Type: "integer"},
		{Path: "sync-timeout", Doc: "Jittered interval of the periodic backend sync.", Default: "60s", Type: "duration"},
		{Path: "update-ips", Doc: "Networks allowed to issue write and delete commands; others get 403.", Type: "array"},
		{Path: "backend.servers", Doc: "Redis servers holding the fuzzy records.", Type: "string"},
		{Path: "backend.prefix", Doc: "Key prefix of the fuzzy records; part of the backend identity.", Default: "fuzzy", Type: "string"},
		{Path: "replication.address", Doc: "NATS server for update fan-out to mirror instances.", Type: "string"},
		{Path: "replication.mirror", Doc: "Subscribe to the peers' update stream and apply it locally.", Default: "false", Type: "boolean"},
	})

	config.RegisterOptions("statistics", []config.OptionDoc{
		{Path: "classifiers", Doc: "Classifier definitions: tokenizer, backend and statfiles per class.", Type: "array"},
		{Path: "learn-cache-size", Doc: "Fingerprints remembered to reject duplicate learns.", Default: "8192", Type: "integer"},
	})

	config.RegisterOptions("redis", []config.OptionDoc{
		{Path: "timeout", Doc: "Idle connection cleanup base interval.", Default: "10s", Type: "duration"},
		{Path: "max-conns", Doc: "Idle queue size above which cleanup runs at half interval.", Default: "100", Type: "integer"},
	})
}
