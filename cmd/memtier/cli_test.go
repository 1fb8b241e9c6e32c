package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}

	for _, cmd := range []string{
		"onboard", "add", "get", "search", "link",
		"related", "recent", "maintain", "stats", "status", "repl", "version",
	} {
		if !strings.Contains(output, cmd) {
			t.Errorf("root help missing %q command\nOutput:\n%s", cmd, output)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "add",
			args: []string{"add", "--help"},
			want: []string{"--importance", "--tags", "--tier", "--ttl"},
		},
		{
			name: "search",
			args: []string{"search", "--help"},
			want: []string{"--limit", "--min-relevance", "--tier"},
		},
		{
			name: "link",
			args: []string{"link", "--help"},
			want: []string{"--type", "--strength", "--bidirectional"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute %v: %v\nOutput:\n%s", tc.args, err, output)
			}
			for _, flag := range tc.want {
				if !strings.Contains(output, flag) {
					t.Errorf("%s help missing %q flag\nOutput:\n%s", tc.name, flag, output)
				}
			}
		})
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	t.Parallel()

	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("bare invocation should require a subcommand")
	}
}

func TestUnknownCommandFails(t *testing.T) {
	t.Parallel()

	if _, err := runRootCommandForTest("no-such-command"); err == nil {
		t.Fatal("unknown command should fail")
	}
}

func TestVersionFlag(t *testing.T) {
	// printVersion writes to stdout, not the cobra writer; just check the
	// flag parses and the command succeeds.
	if _, err := runRootCommandForTest("--version"); err != nil {
		t.Fatalf("execute --version: %v", err)
	}
}
