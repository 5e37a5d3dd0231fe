// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/config"
	"github.com/mailguard/mailguard/internal/controller"
	"github.com/mailguard/mailguard/internal/fuzzy"
	"github.com/mailguard/mailguard/internal/proto"
	"github.com/mailguard/mailguard/internal/redispool"
	"github.com/mailguard/mailguard/internal/rolling"
	"github.com/mailguard/mailguard/internal/scan"
	"github.com/mailguard/mailguard/internal/stat"
	"github.com/mailguard/mailguard/internal/symcache"
	"github.com/mailguard/mailguard/internal/task"
	"github.com/mailguard/mailguard/internal/taskmanager"
	"github.com/mailguard/mailguard/internal/worker"
)

type workersConfig struct {
	Normal struct {
		Listen string `json:"listen"`
		Count  int    `json:"count"`
	} `json:"normal"`
	Fuzzy struct {
		Listen string `json:"listen"`
	} `json:"fuzzy"`
	Controller struct {
		Listen   string `json:"listen"`
		Password string `json:"password"`
	} `json:"controller"`

	// Client-side fuzzy storage servers for the scan rules.
	FuzzyServers string `json:"fuzzy-servers"`
}

func decodeWorkers() workersConfig {
	cfg := workersConfig{}
	cfg.Normal.Listen = "127.0.0.1:11333"

	if raw := config.GetPackageConfig("workers"); raw != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			cclog.Abortf("Server Init: Could not decode workers config.\nError: %s\n", err.Error())
		}
	}

	return cfg
}

func runServer() error {
	wcfg := decodeWorkers()

	redispool.Init(config.GetPackageConfig("redis"))
	pool := redispool.New()
	defer pool.Close()

	metric := scan.InitMetricOrDefault(config.GetPackageConfig("metric"), config.Keys.DefaultMaxShots)

	statProc, err := stat.NewProcessor(config.GetPackageConfig("statistics"), pool)
	if err != nil {
		return err
	}
	defer statProc.Close()

	var fuzzyClient *fuzzy.Client
	if wcfg.FuzzyServers != "" {
		fuzzyClient, err = fuzzy.NewClient(wcfg.FuzzyServers, 2*time.Second)
		if err != nil {
			return err
		}
	}

	cache := symcache.New()
	registerBuiltinRules(cache, metric, statProc, fuzzyClient)
	if err := cache.Resolve(); err != nil {
		// a cyclic dependency graph aborts configuration
		cclog.Abortf("Server Init: %s\n", err.Error())
	}

	history := rolling.New(config.Keys.HistoryRows)
	engine := proto.NewEngine(metric, cache, statProc, fuzzyClient, history)
	engine.MaxSize = config.Keys.MaxMessageSize
	if d, err := time.ParseDuration(config.Keys.TaskTimeout); err == nil && d > 0 {
		engine.TaskTimeout = d
	}

	soft, _ := time.ParseDuration(config.Keys.SoftShutdownTimeout)
	hard, _ := time.ParseDuration(config.Keys.HardShutdownTimeout)
	if soft <= 0 {
		soft = 10 * time.Second
	}
	if hard <= soft {
		hard = soft + 50*time.Second
	}
	runtime := worker.NewRuntime(soft, hard)

	taskmanager.Start()
	defer taskmanager.Shutdown()

	taskmanager.RegisterService("symbol stats refresh", "60s", func() {
		cache.RefreshStats(60 * time.Second)
	})

	// scan worker
	ln, err := worker.Listen(wcfg.Normal.Listen)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", wcfg.Normal.Listen, err)
	}
	runtime.Add(worker.NewStreamWorker("normal", ln, engine.HandleConn))

	// fuzzy storage worker
	var fstats *fuzzy.Stats
	if raw := config.GetPackageConfig("fuzzy"); raw != nil {
		fuzzy.Init(raw)

		storage, server, err := buildFuzzyWorker(pool)
		if err != nil {
			return err
		}
		fstats = storage.Stats()

		listen := fuzzy.Keys.Listen
		if wcfg.Fuzzy.Listen != "" {
			listen = wcfg.Fuzzy.Listen
		}
		pc, err := net.ListenPacket("udp", listen)
		if err != nil {
			return fmt.Errorf("cannot listen on udp %s: %w", listen, err)
		}
		runtime.Add(worker.NewDatagramWorker("fuzzy", pc, server.Serve))

		taskmanager.RegisterJitteredService("fuzzy sync", fuzzy.Keys.SyncTimeout, 0.5, func() {
			if err := storage.Sync(context.Background()); err != nil {
				cclog.Errorf("%v", err)
			}
		})
	}

	// controller worker
	if wcfg.Controller.Listen != "" {
		ctl := controller.New(engine, cache, history, fstats, wcfg.Controller.Password)
		ctlLn, err := worker.Listen(wcfg.Controller.Listen)
		if err != nil {
			return fmt.Errorf("cannot listen on %s: %w", wcfg.Controller.Listen, err)
		}

		srv := &http.Server{Handler: ctl.Router()}
		runtime.Add(worker.NewFuncWorker("controller", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				srv.Shutdown(context.Background())
			}()
			if err := srv.Serve(ctlLn); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}))
	}

	cclog.Infof("mailguard %s ready", version)
	return runtime.Run(context.Background())
}

func buildFuzzyWorker(pool *redispool.Pool) (*fuzzy.Storage, *fuzzy.Server, error) {
	var backend fuzzy.Backend
	var err error

	if fuzzy.Keys.Backend != nil {
		backend, err = fuzzy.NewRedisBackend(fuzzy.Keys.Backend, pool)
		if err != nil {
			return nil, nil, err
		}
	} else {
		backend = fuzzy.NewMemoryBackend()
	}

	storage, err := fuzzy.NewStorage(backend,
		time.Duration(fuzzy.Keys.Expire)*time.Second, fuzzy.Keys.UpdateIPs)
	if err != nil {
		return nil, nil, err
	}

	if fuzzy.Keys.Replication != nil {
		if _, err := fuzzy.NewReplicator(fuzzy.Keys.Replication, storage,
			time.Duration(fuzzy.Keys.Expire)*time.Second); err != nil {
			cclog.Errorf("fuzzy replication disabled: %v", err)
		}
	}

	return storage, fuzzy.NewServer(storage), nil
}

// registerBuiltinRules wires the native rules: bayes classification and
// the fuzzy storage check.
func registerBuiltinRules(cache *symcache.Cache, metric *scan.Metric,
	statProc *stat.Processor, fuzzyClient *fuzzy.Client,
) {
	bayesID, err := cache.AddSymbol("BAYES_CHECK", 0, symcache.TypeCallback, func(tk *task.Task) symcache.Outcome {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := statProc.Classify(ctx, tk); err != nil {
			cclog.Errorf("task %s: classify failed: %v", tk.QueueID, err)
		}
		return symcache.Finished()
	})
	if err == nil {
		cache.AddVirtual("BAYES_SPAM", bayesID)
		cache.AddVirtual("BAYES_HAM", bayesID)
	}

	if fuzzyClient != nil {
		if metric.SymbolDef("FUZZY_DENIED") == nil {
			metric.AddSymbol("FUZZY_DENIED", 12.0, "Message found in the fuzzy storage", "")
		}

		cache.AddSymbol("FUZZY_CHECK", 0, symcache.TypeCallback, func(tk *task.Task) symcache.Outcome {
			var words []string
			for _, part := range tk.Message.TextParts() {
				words = append(words, part.Words...)
			}
			if len(words) == 0 {
				return symcache.Finished()
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			shingles := fuzzy.Shingles(words)
			rep, err := fuzzyClient.Check(ctx, fuzzy.Digest(words), &shingles)
			if err != nil {
				cclog.Infof("task %s: fuzzy check failed: %v", tk.QueueID, err)
				return symcache.Finished()
			}
			if rep.Prob > 0.5 {
				tk.InsertSymbol("FUZZY_DENIED", float64(rep.Prob),
					fmt.Sprintf("%d:%d", rep.Flag, rep.Value))
			}
			return symcache.Finished()
		})
	}
}
