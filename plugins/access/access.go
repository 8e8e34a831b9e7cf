// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package access is a policy handler backed by a static access table, in the
// spirit of postfix access(5) maps.
//
// Keys are client addresses, client host names, full email addresses or
// domains. Values are an action optionally followed by a message:
//
//	192.0.2.7          reject blocked by policy
//	spammer@example.net reject
//	example.org        ok
package access

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd"
	"golang.org/x/net/publicsuffix"
)

// ErrSyntax is returned for a table line without an action.
var ErrSyntax = errors.New("access: syntax error")

type entry struct {
	verdict policyd.Verdict
	msg     string
}

// Table maps lookup keys to verdicts. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Load reads "key action [message]" lines. Blank lines and lines starting
// with # are skipped.
func Load(r io.Reader) (*Table, error) {
	t := New()
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, action, ok := cut(line)
		if !ok {
			return nil, errors.Wrapf(ErrSyntax, "line %d", n)
		}
		if err := t.Set(key, action); err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
	}
	return t, errors.Wrap(sc.Err(), "access: read table")
}

// LoadFile loads the table stored at path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "access")
	}
	defer f.Close()
	return Load(f)
}

// Set stores action, "verdict [message]", under key.
func (t *Table) Set(key, action string) error {
	v, msg, _ := cut(action)
	verdict := policyd.Verdict(strings.ToLower(v))
	if !verdict.Valid() {
		return errors.Wrapf(policyd.ErrInvalidVerdict, "access: %q", v)
	}
	t.mu.Lock()
	t.entries[normalize(key)] = entry{verdict: verdict, msg: msg}
	t.mu.Unlock()
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Handle looks up the client address and name, then the sender, then the
// recipient. Addresses are tried as a whole, by domain and by organizational
// domain. A request matching nothing gets the neutral verdict.
func (t *Table) Handle(_ context.Context, _ policyd.Conn, req *policyd.Request) (policyd.Verdict, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, key := range lookupKeys(req) {
		if e, ok := t.entries[key]; ok {
			return e.verdict, e.msg
		}
	}
	return policyd.Dunno, ""
}

func lookupKeys(req *policyd.Request) []string {
	keys := make([]string, 0, 8)
	if req.ClientAddress != "" {
		keys = append(keys, normalize(req.ClientAddress))
	}
	if req.ClientName != "" && req.ClientName != "unknown" {
		keys = append(keys, normalize(req.ClientName))
	}
	keys = appendAddressKeys(keys, req.Sender)
	return appendAddressKeys(keys, req.Recipient)
}

// appendAddressKeys adds addr, its domain and its organizational domain.
func appendAddressKeys(keys []string, addr string) []string {
	addr = normalize(addr)
	if addr == "" {
		return keys
	}
	keys = append(keys, addr)
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return keys
	}
	domain := addr[at+1:]
	keys = append(keys, domain)
	if org, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil && org != domain {
		keys = append(keys, org)
	}
	return keys
}

func normalize(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// cut splits s at the first run of blanks.
func cut(s string) (head, tail string, ok bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimSpace(s[i+1:]), true
}
