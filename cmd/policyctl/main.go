// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command policyctl talks to a running policyd.
//
//	policyctl probe
//	policyctl query request=smtpd_access_policy sender=a@b.com client_address=192.0.2.7
//	policyctl -control http://127.0.0.1:9110 backend poll
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/ysyzqq/policyd/client"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "policyctl:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("policyctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "tcp://127.0.0.1:10031", "policy server address")
	control := fs.String("control", "http://127.0.0.1:9110", "policyd control endpoint")
	timeout := fs.Duration("timeout", client.DefaultTimeout, "exchange timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: policyctl [flags] probe | query key=value... | backend <name> | stats")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := client.New(*addr, client.WithTimeout(*timeout))
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "probe":
		if err := c.Probe(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil
	case "query":
		attrs, err := client.ParseAttrs(rest)
		if err != nil {
			return err
		}
		reply, err := c.Query(ctx, attrs...)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
		return nil
	case "backend":
		if len(rest) != 1 {
			return errors.New("backend takes exactly one name")
		}
		return callControl(ctx, stdout, http.MethodPost, *control+"/backend?name="+url.QueryEscape(rest[0]))
	case "stats":
		return callControl(ctx, stdout, http.MethodGet, *control+"/stats")
	}
	return errors.Errorf("unknown command %q", cmd)
}

func callControl(ctx context.Context, stdout io.Writer, method, target string) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return errors.Wrap(err, "control request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "control request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "control response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = stdout.Write(body)
	return err
}
