package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/stats"
)

const usage = `Usage: sprayctl [flags] <command>

Commands:
  get     print the sprayer counters
  reset   zero the sprayer counters

Flags:
`

func main() {
	flags := pflag.NewFlagSet("sprayctl", pflag.ExitOnError)
	addr := flags.String("addr", "127.0.0.1:50061", "Sprayer stats service address")
	timeout := flags.Duration("timeout", 5*time.Second, "Connection and request timeout")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	config.InitLogging("warn")

	if err := run(flags.Arg(0), *addr, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command, addr string, timeout time.Duration) error {
	client := stats.NewClient(addr)
	if err := client.Connect(timeout); err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch command {
	case "get":
		values, err := client.GetStats(ctx)
		if err != nil {
			return err
		}
		for _, name := range stats.SortedNames(values) {
			fmt.Printf("%-20s %.0f\n", name, values[name])
		}
		return nil
	case "reset":
		if err := client.ResetStats(ctx); err != nil {
			return err
		}
		fmt.Println("Counters reset")
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
