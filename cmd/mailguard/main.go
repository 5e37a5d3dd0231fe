// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/config"
)

const version = "0.3.0"

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("mailguard %s\n", version)
		os.Exit(0)
	}

	logLevel := flagLogLevel
	if env := os.Getenv("MAILGUARD_LOG_LEVEL"); env != "" {
		logLevel = env
	}
	cclog.Init(logLevel, flagLogDateTime)

	registerConfigDocs()

	if flagConfigHelp {
		ok := config.ConfigHelp(os.Stdout, flag.Args(), config.ConfigHelpOpts{
			JSON:    flagHelpJSON,
			Compact: flagHelpCompact,
			Keyword: flagHelpKeyword,
		})
		if !ok {
			os.Exit(1)
		}
		os.Exit(0)
	}

	configFile := flagConfigFile
	if confdir := os.Getenv("MAILGUARD_CONFDIR"); confdir != "" && !filepath.IsAbs(configFile) {
		configFile = filepath.Join(confdir, filepath.Base(configFile))
	}

	// configuration errors are fatal: exit non-zero, let the
	// supervisor restart us
	config.Init(configFile)

	if !flagServer {
		fmt.Println("mailguard: nothing to do, use -server or -confighelp")
		os.Exit(1)
	}

	if err := runServer(); err != nil {
		cclog.Errorf("mailguard: %v", err)
		os.Exit(2)
	}
}
