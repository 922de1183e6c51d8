package main

import (
	"strings"
	"testing"
	"time"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	id := strings.Repeat("ab", 32)
	opts, err := parseArgs([]string{
		"--pool-id", "0x" + id,
		"--esplora-url", "http://127.0.0.1:3000",
		"--compiler-bin", "covc",
	})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.poolID.String() != id {
		t.Fatalf("pool id: %s", opts.poolID)
	}
	if opts.timeout != 10*time.Minute || opts.postgresDSNRef != "env:MARKETD_POSTGRES_DSN" {
		t.Fatalf("defaults: %+v", opts)
	}
}

func TestParseArgs_Rejects(t *testing.T) {
	t.Parallel()

	id := strings.Repeat("ab", 32)
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing esplora", args: []string{"--pool-id", id, "--compiler-bin", "covc"}},
		{name: "missing compiler", args: []string{"--pool-id", id, "--esplora-url", "http://x"}},
		{name: "short pool id", args: []string{"--pool-id", "abcd", "--esplora-url", "http://x", "--compiler-bin", "covc"}},
		{name: "bad hex", args: []string{"--pool-id", "zz", "--esplora-url", "http://x", "--compiler-bin", "covc"}},
		{name: "zero timeout", args: []string{"--pool-id", id, "--esplora-url", "http://x", "--compiler-bin", "covc", "--timeout", "0s"}},
		{name: "unknown flag", args: []string{"--nope"}},
	}
	for _, tc := range tests {
		if _, err := parseArgs(tc.args); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
