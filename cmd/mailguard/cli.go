// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import "flag"

var (
	flagServer, flagVersion, flagLogDateTime, flagConfigHelp,
	flagHelpJSON, flagHelpCompact, flagHelpKeyword bool
	flagConfigFile, flagLogLevel string
)

func cliInit() {
	flag.BoolVar(&flagServer, "server", false, "Start the daemon, continues listening after initialization")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.BoolVar(&flagConfigHelp, "confighelp", false, "Show documentation for configuration options and exit")
	flag.BoolVar(&flagHelpJSON, "json", false, "confighelp: emit JSON")
	flag.BoolVar(&flagHelpCompact, "compact", false, "confighelp: emit compact JSON")
	flag.BoolVar(&flagHelpKeyword, "k", false, "confighelp: keyword search over docstrings and values")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Specify alternative path to `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "Sets the logging level: `[debug, info (default), warn, err, crit]`")
	flag.Parse()
}
