// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mailguard.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"
	"io"
)

// ConfigHelpOpts controls confighelp rendering.
type ConfigHelpOpts struct {
	JSON    bool
	Compact bool
	Keyword bool
}

// ConfigHelp writes documentation for the requested option keys to w.
// Without keys, all registered options are emitted. Returns false when
// nothing matched.
func ConfigHelp(w io.Writer, keys []string, opts ConfigHelpOpts) bool {
	docs := LookupOptions(keys, opts.Keyword)
	if len(docs) == 0 {
		fmt.Fprintf(w, "no options found\n")
		return false
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		if !opts.Compact {
			enc.SetIndent("", "    ")
		}
		if err := enc.Encode(docs); err != nil {
			fmt.Fprintf(w, "cannot encode docs: %v\n", err)
			return false
		}
		return true
	}

	for _, d := range docs {
		fmt.Fprintf(w, "%s:\n    %s\n", d.Path, d.Doc)
		if d.Type != "" {
			fmt.Fprintf(w, "    type: %s\n", d.Type)
		}
		if d.Default != "" {
			fmt.Fprintf(w, "    default: %s\n", d.Default)
		}
	}

	return true
}
