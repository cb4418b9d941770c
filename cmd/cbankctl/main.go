// Command cbankctl signs and submits transactions to a cbank node and reads
// balances and stats back.
//
// Usage:
//
//	cbankctl [-node URL] [-key FILE] <command> [args]
//
// Commands: keygen, whoami, deposit <amount>, withdraw <amount>,
// balance [address], stats, records [address].
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"custody.mini/cbank/internal/client"
	"custody.mini/cbank/internal/identity"
)

func main() {
	var (
		nodeFlag    string
		keyFlag     string
		timeoutFlag time.Duration
		limitFlag   int
	)

	flag.StringVar(&nodeFlag, "node", envOr("CBANK_NODE", "http://localhost:8080"), "Base URL of the cbank node")
	flag.StringVar(&keyFlag, "key", envOr("CBANK_KEY_FILE", "cbank_key.pem"), "Path to the signing key")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Request timeout")
	flag.IntVar(&limitFlag, "limit", 20, "Number of records to list")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	if err := run(ctx, nodeFlag, keyFlag, limitFlag, args); err != nil {
		var rej *client.RejectionError
		if errors.As(err, &rej) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", rej.Kind(), rej.Response.Log)
			os.Exit(3)
		}
		log.Fatalf("%s: %v", args[0], err)
	}
}

func run(ctx context.Context, node, keyPath string, limit int, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "keygen":
		id, err := identity.Generate(keyPath)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Key generated: %s\n%s\n", keyPath, id.Address())
		return nil

	case "whoami":
		id, err := identity.LoadOrCreateIdentity(keyPath)
		if err != nil {
			return err
		}
		fmt.Println(id.Address())
		return nil

	case "deposit", "withdraw":
		if len(rest) != 1 {
			return fmt.Errorf("usage: %s <amount>", cmd)
		}
		amount, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", rest[0], err)
		}
		id, err := identity.LoadOrCreateIdentity(keyPath)
		if err != nil {
			return err
		}
		c := client.New(node, id)
		submit := c.Deposit
		if cmd == "withdraw" {
			submit = c.Withdraw
		}
		resp, err := submit(ctx, amount)
		if err != nil {
			return err
		}
		return printJSON(resp)

	case "balance":
		addr, err := addressArg(keyPath, rest)
		if err != nil {
			return err
		}
		bal, err := client.New(node, nil).Balance(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Println(bal)
		return nil

	case "stats":
		stats, err := client.New(node, nil).Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)

	case "records":
		var addr string
		if len(rest) > 0 {
			addr = rest[0]
		}
		records, err := client.New(node, nil).Records(ctx, addr, limit)
		if err != nil {
			return err
		}
		return printJSON(records)
	}

	usage()
	return fmt.Errorf("unknown command %q", cmd)
}

// addressArg returns the explicit address argument or the address of the
// local key.
func addressArg(keyPath string, rest []string) (string, error) {
	if len(rest) > 0 {
		return rest[0], nil
	}
	id, err := identity.LoadOrCreateIdentity(keyPath)
	if err != nil {
		return "", err
	}
	return id.Address(), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  keygen              generate a signing key at -key
  whoami              print the address of the signing key
  deposit <amount>    deposit amount (base units)
  withdraw <amount>   withdraw amount (base units)
  balance [address]   show a balance (defaults to the signing key)
  stats               show aggregate ledger stats
  records [address]   list recent records

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}
