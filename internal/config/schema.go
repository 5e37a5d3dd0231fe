// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

var configSchema = `
{
  "type": "object",
  "properties": {
    "main": {
      "description": "Process-wide options.",
      "type": "object",
      "properties": {
        "server-name": {
          "description": "Server name used in log tags and the reply banner.",
          "type": "string"
        },
        "var-dir": {
          "description": "Directory for runtime state (statfiles, roll history dumps).",
          "type": "string"
        },
        "max-message-size": {
          "description": "Maximum message size accepted by the scan protocol in bytes.",
          "type": "integer"
        },
        "task-timeout": {
          "description": "Hard per-task deadline, e.g. '8s'.",
          "type": "string"
        },
        "history-rows": {
          "description": "Number of entries kept in the roll history ring.",
          "type": "integer"
        },
        "soft-shutdown-timeout": {
          "description": "How long a terminating worker refuses new work while draining.",
          "type": "string"
        },
        "hard-shutdown-timeout": {
          "description": "Deadline after which a terminating worker exits regardless of in-flight tasks.",
          "type": "string"
        },
        "default-max-shots": {
          "description": "Default cap on repeated insertions of one symbol per task.",
          "type": "integer"
        }
      }
    },
    "metric": {
      "description": "Score accumulator with action thresholds, groups and symbol scores.",
      "type": "object",
      "properties": {
        "name": { "type": "string" },
        "grow-factor": {
          "description": "Multiplier applied to each further positive score insertion.",
          "type": "number"
        },
        "subject": {
          "description": "Subject rewrite template for the rewrite-subject action.",
          "type": "string"
        },
        "actions": {
          "description": "Score thresholds per action (reject, rewrite-subject, add-header, greylist).",
          "type": "object"
        },
        "groups": {
          "description": "Symbol groups with max-score caps.",
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": { "type": "string" },
              "max-score": { "type": "number" }
            },
            "required": ["name"]
          }
        },
        "symbols": {
          "description": "Static symbol scores.",
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": { "type": "string" },
              "weight": { "type": "number" },
              "description": { "type": "string" },
              "group": { "type": "string" },
              "one-shot": { "type": "boolean" },
              "max-shots": { "type": "integer" }
            },
            "required": ["name"]
          }
        }
      }
    },
    "workers": {
      "description": "Per-worker listener configuration.",
      "type": "object",
      "properties": {
        "normal": {
          "type": "object",
          "properties": {
            "listen": { "description": "Listen address of the scan worker.", "type": "string" },
            "count": { "description": "Parsed but not used; the daemon runs a single scan worker.", "type": "integer" }
          }
        },
        "fuzzy": {
          "type": "object",
          "properties": {
            "listen": { "description": "UDP listen address of the fuzzy storage worker.", "type": "string" }
          }
        },
        "controller": {
          "type": "object",
          "properties": {
            "listen": { "description": "Listen address of the controller HTTP surface.", "type": "string" },
            "password": { "description": "Bcrypt hash of the controller password.", "type": "string" }
          }
        }
      }
    },
    "fuzzy": {
      "description": "Fuzzy hash storage options.",
      "type": "object",
      "properties": {
        "expire": { "description": "Hash expiry in seconds.", "type": "integer" },
        "sync-timeout": { "description": "Periodic backend sync interval, e.g. '60s'.", "type": "string" },
        "update-ips": {
          "description": "Networks allowed to issue write and delete commands.",
          "type": "array",
          "items": { "type": "string" }
        },
        "backend": {
          "description": "Redis backend connection (addr, db, password, prefix).",
          "type": "object"
        },
        "replication": {
          "description": "NATS fan-out of accepted updates to mirrors.",
          "type": "object"
        }
      }
    },
    "statistics": {
      "description": "Classifier and statfile configuration.",
      "type": "object",
      "properties": {
        "classifiers": {
          "type": "array",
          "items": { "type": "object" }
        }
      }
    },
    "redis": {
      "description": "Shared redis connection pool options.",
      "type": "object",
      "properties": {
        "timeout": { "description": "Idle connection cleanup base interval, e.g. '10s'.", "type": "string" },
        "max-conns": { "description": "Idle queue size above which cleanup runs at half interval.", "type": "integer" }
      }
    },
    "nats": {
      "description": "Not read by the daemon; fuzzy update replication takes its NATS settings from fuzzy.replication.",
      "type": "object",
      "properties": {
        "address": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" }
      }
    }
  }
}`
