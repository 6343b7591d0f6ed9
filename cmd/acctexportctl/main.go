// acctexportctl is an operator-facing companion to the acctexport
// plugin: it validates a config file without starting the ingest loop,
// and dumps the avro schema a given what_to_count mask derives, for
// pre-flight checks against a running broker's schema registry.
//
// Kept to plain flag-based subcommands rather than a command framework:
// two leaf commands with no shared persistent flags don't need one.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/user/acctcore/internal/config"
	"github.com/user/acctcore/pkg/wireschema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd(os.Args[2:])
	case "schema":
		schemaCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: acctexportctl <validate|schema> [flags]")
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "acctexport.yaml", "path to the plugin configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctexportctl: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("config %s is valid\n", *configPath)
	fmt.Printf("  broker output:     %s\n", orDefault(cfg.Output.BrokerOutput, "textual"))
	fmt.Printf("  aggregation policy: %s\n", orDefault(cfg.Aggregation.Policy, "per_fingerprint"))
	fmt.Printf("  topic:             %s\n", cfg.Broker.Table)
}

func schemaCmd(args []string) {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	configPath := fs.String("config", "acctexport.yaml", "path to the plugin configuration file")
	out := fs.String("out", "", "write the derived avro schema JSON here instead of stdout")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctexportctl: %v\n", err)
		os.Exit(1)
	}

	schema, err := wireschema.Build(cfg.Aggregation.WhatToCountMask())
	if err != nil {
		fmt.Fprintf(os.Stderr, "acctexportctl: schema build: %v\n", err)
		os.Exit(1)
	}

	if *out == "" {
		fmt.Println(schema.JSON())
		return
	}
	if err := wireschema.DumpToFile(*out, schema); err != nil {
		fmt.Fprintf(os.Stderr, "acctexportctl: %v\n", err)
		os.Exit(1)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
