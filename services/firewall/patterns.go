// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package firewall

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// defaultPatterns holds the compiled-in pattern file. Baking the YAML
// into the binary guarantees the firewall always has a working rule set
// even when no external file is configured.
//
//go:embed patterns.yaml
var defaultPatterns []byte

// injectionPattern is one scored class of injection regexes.
type injectionPattern struct {
	Name    string   `yaml:"name"`
	Weight  int      `yaml:"weight"`
	Regexes []string `yaml:"regexes"`
}

// sensitivePattern is one named PII format handled by the airlock.
type sensitivePattern struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// patternFile is the on-disk YAML shape.
type patternFile struct {
	Injection []injectionPattern `yaml:"injection_patterns"`
	Sensitive []sensitivePattern `yaml:"sensitive_patterns"`
}

// injectionClass is a compiled injection pattern class.
type injectionClass struct {
	name    string
	weight  int
	regexes []*regexp.Regexp
}

// sensitiveClass is a compiled airlock pattern. Slice order follows the
// file because redaction order is load-bearing.
type sensitiveClass struct {
	name string
	re   *regexp.Regexp
}

// patternSet is an immutable compiled rule set. The firewall swaps the
// whole set atomically on reload, so readers never see a partial update.
type patternSet struct {
	injection []injectionClass
	sensitive []sensitiveClass
}

// compilePatterns parses and compiles a YAML pattern file.
func compilePatterns(data []byte) (*patternSet, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing pattern file: %w", err)
	}
	if len(pf.Injection) == 0 && len(pf.Sensitive) == 0 {
		return nil, fmt.Errorf("pattern file defines no patterns")
	}

	ps := &patternSet{}
	for _, p := range pf.Injection {
		cls := injectionClass{name: p.Name, weight: p.Weight}
		if cls.weight <= 0 {
			cls.weight = 1
		}
		for _, raw := range p.Regexes {
			re, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("injection pattern %q: %w", p.Name, err)
			}
			cls.regexes = append(cls.regexes, re)
		}
		ps.injection = append(ps.injection, cls)
	}
	for _, p := range pf.Sensitive {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("sensitive pattern %q: %w", p.Name, err)
		}
		ps.sensitive = append(ps.sensitive, sensitiveClass{name: p.Name, re: re})
	}
	return ps, nil
}

// loadPatterns returns the compiled rule set from path, or the embedded
// defaults when path is empty.
func loadPatterns(path string) (*patternSet, error) {
	if path == "" {
		return compilePatterns(defaultPatterns)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file %s: %w", path, err)
	}
	return compilePatterns(data)
}
