// Copyright 2014 The imagescaler authors.
// SPDX-License-Identifier: Apache-2.0

// Package envflag lets environment variables supply values for command line
// flags.
package envflag

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Parse sets every flag in fs that has not already been set from the
// environment variable PREFIX_FLAGNAME, if it is set and non-empty.  The
// variable name is also appended to each flag's usage text.
//
// Call Parse before fs.Parse, so that command line values override the
// environment and -help lists the variables.
func Parse(prefix string, fs *flag.FlagSet) error {
	return parse(prefix, fs, os.LookupEnv)
}

func parse(prefix string, fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		name := VarName(prefix, f.Name)
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, name)

		if set[f.Name] || err != nil {
			return
		}
		if val, ok := lookup(name); ok && val != "" {
			if e := fs.Set(f.Name, val); e != nil {
				err = fmt.Errorf("invalid value %q for %s: %w", val, name, e)
			}
		}
	})
	return err
}

// VarName returns the environment variable consulted for the named flag.
func VarName(prefix, flagName string) string {
	return strings.ReplaceAll(strings.ToUpper(prefix+"_"+flagName), "-", "_")
}
