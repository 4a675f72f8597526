package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tourbot/querycache/pkg/api"
	"github.com/tourbot/querycache/pkg/config"
)

const defaultTokenTTL = 24 * time.Hour

// issueToken prints a bearer token for the admin endpoints:
//
//	querycache token [-ttl 24h] <subject>
func issueToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: querycache token [-ttl duration] <subject>")
	}
	if *ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", *ttl)
	}

	token, err := api.GenerateToken(cfg.API.AuthSecret, fs.Arg(0), *ttl)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
