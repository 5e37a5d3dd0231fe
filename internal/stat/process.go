// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stat

import (
	"bytes"
	"context"
	"encoding/json"
	"math"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/mailguard/mailguard/internal/mgerror"
	"github.com/mailguard/mailguard/internal/message"
	"github.com/mailguard/mailguard/internal/redispool"
	"github.com/mailguard/mailguard/internal/task"
)

// StatfileConfig declares one persistent class store of a classifier.
type StatfileConfig struct {
	Symbol string `json:"symbol"`
	Spam   bool   `json:"spam"`
}

// ClassifierConfig is one entry of "statistics.classifiers".
type ClassifierConfig struct {
	Name      string `json:"name"`
	Tokenizer string `json:"tokenizer"`
	MinTokens int    `json:"min-tokens"`
	MaxTokens int    `json:"max-tokens"`
	MinLearns uint64 `json:"min-learns"`

	// Backend selects the statfile store: "sqlite", "redis" or
	// "memory".
	Backend  string `json:"backend"`
	Path     string `json:"path"`
	Servers  string `json:"servers"`
	DB       int    `json:"db"`
	Password string `json:"password"`

	Statfiles []StatfileConfig `json:"statfiles"`
}

// Config is the "statistics" subtree.
type Config struct {
	Classifiers    []ClassifierConfig `json:"classifiers"`
	LearnCacheSize int                `json:"learn-cache-size"`
}

// PreCallback may substitute the active statfile list for one task;
// returning nil keeps the configured list.
type PreCallback func(tk *task.Task, learn bool) []StatfileConfig

type classifier struct {
	cfg     ClassifierConfig
	backend Backend
	pre     PreCallback
}

// Processor drives tokenization, backend lookups, classification and
// learning for all configured classifiers.
type Processor struct {
	classifiers []*classifier
	tokenizers  map[string]Tokenizer
	learnCache  *LearnCache
}

// NewProcessor builds the processor from the "statistics" subtree.
// Tokenizer runtimes are deduplicated across classifiers sharing one.
func NewProcessor(rawConfig json.RawMessage, pool *redispool.Pool) (*Processor, error) {
	var cfg Config
	if rawConfig != nil {
		dec := json.NewDecoder(bytes.NewReader(rawConfig))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, mgerror.Wrap(mgerror.KindConfig, err, "cannot decode statistics config")
		}
	}

	p := &Processor{
		tokenizers: make(map[string]Tokenizer),
		learnCache: NewLearnCache(cfg.LearnCacheSize),
	}

	for _, clcf := range cfg.Classifiers {
		tok := NewTokenizer(clcf.Tokenizer)
		if tok == nil {
			return nil, mgerror.New(mgerror.KindConfig, "classifier %s: unknown tokenizer '%s'",
				clcf.Name, clcf.Tokenizer)
		}
		if _, ok := p.tokenizers[tok.Name()]; !ok {
			p.tokenizers[tok.Name()] = tok
		}

		var (
			backend Backend
			err     error
		)
		switch clcf.Backend {
		case "sqlite":
			backend, err = NewSqliteBackend(clcf.Path)
		case "redis":
			backend = NewRedisStatBackend(pool, redispool.Endpoint{
				Addr:     clcf.Servers,
				DB:       clcf.DB,
				Password: clcf.Password,
			})
		case "", "memory":
			backend = NewMemoryBackend()
		default:
			err = mgerror.New(mgerror.KindConfig, "classifier %s: unknown backend '%s'",
				clcf.Name, clcf.Backend)
		}
		if err != nil {
			return nil, err
		}

		p.classifiers = append(p.classifiers, &classifier{cfg: clcf, backend: backend})
	}

	return p, nil
}

// SetPreCallback installs the statfile substitution hook for the named
// classifier.
func (p *Processor) SetPreCallback(name string, pre PreCallback) {
	for _, cl := range p.classifiers {
		if cl.cfg.Name == name {
			cl.pre = pre
		}
	}
}

// HasClassifier reports whether a classifier is configured under name.
func (p *Processor) HasClassifier(name string) bool {
	for _, cl := range p.classifiers {
		if cl.cfg.Name == name {
			return true
		}
	}
	return false
}

// LearnCache exposes the registered learn cache.
func (p *Processor) LearnCache() *LearnCache { return p.learnCache }

// tokenize runs every distinct tokenizer over the task's text parts and
// Subject header, returning the per-tokenizer token sets.
func (p *Processor) tokenize(tk *task.Task) map[string]*TokenSet {
	sets := make(map[string]*TokenSet, len(p.tokenizers))

	for name, tok := range p.tokenizers {
		ts := NewTokenSet()
		if tk.Message != nil {
			for _, part := range tk.Message.TextParts() {
				tok.Tokenize(part.Words, ts)
			}
		}
		if tk.Subject != "" {
			tok.Tokenize(message.NormalizeWords(tk.Subject), ts)
		}
		sets[name] = ts
	}

	return sets
}

func (cl *classifier) statfiles(tk *task.Task, learn bool) []StatfileConfig {
	if cl.pre != nil {
		if subst := cl.pre(tk, learn); subst != nil {
			return subst
		}
	}
	return cl.cfg.Statfiles
}

// prefetch opens the per-statfile view of the token set: every token
// gets one count slot per statfile, filled by the backend.
func (cl *classifier) prefetch(ctx context.Context, tokens []*Token, stcfs []StatfileConfig) ([]bool, []uint64, error) {
	slotSpam := make([]bool, len(stcfs))
	learns := make([]uint64, len(stcfs))

	for _, t := range tokens {
		t.Counts = make([]uint64, len(stcfs))
	}

	for i, stcf := range stcfs {
		slotSpam[i] = stcf.Spam

		if err := cl.backend.ProcessTokens(ctx, stcf.Symbol, tokens, i); err != nil {
			return nil, nil, err
		}
		l, err := cl.backend.TotalLearns(ctx, stcf.Symbol)
		if err != nil {
			return nil, nil, err
		}
		learns[i] = l
	}

	return slotSpam, learns, nil
}

// Classify scores the task against every classifier, inserting the
// winning statfile symbol with the normalized confidence as multiplier.
func (p *Processor) Classify(ctx context.Context, tk *task.Task) error {
	sets := p.tokenize(tk)

	for _, cl := range p.classifiers {
		tokens := sets[tokName(cl)].Tokens()
		stcfs := cl.statfiles(tk, false)
		if len(stcfs) == 0 {
			continue
		}

		if cl.cfg.MinTokens > 0 && len(tokens) < cl.cfg.MinTokens {
			cclog.Debugf("task %s: classifier %s: %d tokens < min %d, skipping",
				tk.QueueID, cl.cfg.Name, len(tokens), cl.cfg.MinTokens)
			continue
		}
		if cl.cfg.MaxTokens > 0 && len(tokens) > cl.cfg.MaxTokens {
			tokens = tokens[:cl.cfg.MaxTokens]
		}

		slotSpam, learns, err := cl.prefetch(ctx, tokens, stcfs)
		if err != nil {
			return err
		}

		if cl.cfg.MinLearns > 0 {
			var spamLearns, hamLearns uint64
			for i, isSpam := range slotSpam {
				if isSpam {
					spamLearns += learns[i]
				} else {
					hamLearns += learns[i]
				}
			}
			if spamLearns < cl.cfg.MinLearns || hamLearns < cl.cfg.MinLearns {
				cclog.Debugf("task %s: classifier %s: not enough learns, skipping",
					tk.QueueID, cl.cfg.Name)
				continue
			}
		}

		prob := bayes{}.classify(tokens, slotSpam, learns)

		// confidence 0 at 0.5, 1 at the extremes
		confidence := math.Abs(prob-0.5) * 2
		if confidence < 0.05 {
			continue
		}

		for i, stcf := range stcfs {
			if slotSpam[i] == (prob > 0.5) {
				tk.InsertSymbol(stcf.Symbol, confidence)
				break
			}
		}
	}

	return nil
}

// Learn trains every classifier on the task as spam or ham, honoring
// the learn cache semantics: same-class repeats are rejected with an
// ignore error; class flips unlearn the opposite statfiles.
func (p *Processor) Learn(ctx context.Context, tk *task.Task, spam bool) error {
	if len(p.classifiers) == 0 {
		return mgerror.WithCode(mgerror.KindConfig, 404, "no classifiers configured")
	}

	var content []byte
	if tk.Message != nil {
		content = tk.Message.Raw
	}
	fp := Fingerprint(content)

	unlearn := false
	switch p.learnCache.Check(fp, spam) {
	case LearnSameClass:
		return mgerror.WithCode(mgerror.KindProtocol, 404,
			"<%s> has been already learned as %s, ignore it", tk.QueueID, className(spam))
	case LearnOtherClass:
		unlearn = true
	}

	sets := p.tokenize(tk)

	for _, cl := range p.classifiers {
		tokens := sets[tokName(cl)].Tokens()
		stcfs := cl.statfiles(tk, true)

		if cl.cfg.MinTokens > 0 && len(tokens) < cl.cfg.MinTokens {
			return mgerror.New(mgerror.KindProtocol,
				"classifier %s: too few tokens to learn (%d < %d)",
				cl.cfg.Name, len(tokens), cl.cfg.MinTokens)
		}
		if cl.cfg.MaxTokens > 0 && len(tokens) > cl.cfg.MaxTokens {
			tokens = tokens[:cl.cfg.MaxTokens]
		}

		for _, t := range tokens {
			t.Counts = make([]uint64, len(stcfs))
		}

		for _, stcf := range stcfs {
			switch {
			case stcf.Spam == spam:
				if err := cl.backend.LearnTokens(ctx, stcf.Symbol, tokens, 1); err != nil {
					return err
				}
				if err := cl.backend.IncLearns(ctx, stcf.Symbol); err != nil {
					return err
				}
			case unlearn:
				if err := cl.backend.LearnTokens(ctx, stcf.Symbol, tokens, -1); err != nil {
					return err
				}
				if err := cl.backend.DecLearns(ctx, stcf.Symbol); err != nil {
					return err
				}
			default:
				continue
			}

			if err := cl.backend.FinalizeLearn(ctx, stcf.Symbol); err != nil {
				return err
			}
		}

		cclog.Infof("task %s: learned message as %s in classifier %s (%d tokens)",
			tk.QueueID, className(spam), cl.cfg.Name, len(tokens))
	}

	p.learnCache.Add(fp, spam)
	return nil
}

// Close releases every backend.
func (p *Processor) Close() error {
	var firstErr error
	for _, cl := range p.classifiers {
		if err := cl.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func tokName(cl *classifier) string {
	if tok := NewTokenizer(cl.cfg.Tokenizer); tok != nil {
		return tok.Name()
	}
	return "osb"
}

func className(spam bool) string {
	if spam {
		return "spam"
	}
	return "ham"
}
