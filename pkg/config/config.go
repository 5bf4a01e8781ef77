// INI-style motor configuration files
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed configuration file. Sections and options keep their
// file order; option names are case-insensitive.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file. [include path] headers pull in other
// files relative to the including file; globs are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include headers are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads one file. visited is nil when includes are not allowed.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, name)
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				if err := c.include(strings.TrimSpace(spec), name, lineNum, dir, visited); err != nil {
					return err
				}
				continue
			}
			section = strings.ToLower(header)
			options = make(map[string]string)
			continue
		}

		if section == "" {
			return fmt.Errorf("config: option outside of a section at line %d in %s", lineNum, name)
		}
		key, value, ok := cutOption(line)
		if !ok {
			return fmt.Errorf("config: malformed line %d in %s: %q", lineNum, name, line)
		}
		options[key] = value
	}
	flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

// cutOption splits "key: value" or "key = value", whichever separator
// comes first.
func cutOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) include(spec, name string, lineNum int, dir string, visited map[string]bool) error {
	if visited == nil {
		return fmt.Errorf("config: include not supported at line %d in %s", lineNum, name)
	}
	if spec == "" {
		return fmt.Errorf("config: empty include at line %d in %s", lineNum, name)
	}
	glob := filepath.Join(dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection adds a section; options of a repeated section override.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		existing.merge(options)
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// Section returns the named section or nil.
func (c *Config) Section(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sections[strings.ToLower(name)]
}

// HasSection reports whether the section exists.
func (c *Config) HasSection(name string) bool {
	return c.Section(name) != nil
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// CheckUnused reports sections and options that were never read.
func (c *Config) CheckUnused() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for _, name := range c.order {
		sec := c.sections[name]
		if !sec.used() {
			problems = append(problems, fmt.Sprintf("unknown section [%s]", name))
			continue
		}
		if unused := sec.UnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unknown options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
