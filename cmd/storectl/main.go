package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/storebridge/internal/api/middleware"
)

const usage = `usage: storectl [global flags] <command> [args]

commands:
  stores [--page ID]                 list live stores
  get <storeId>                      read a store's state
  get --page ID [--key KEY]          resolve and read, falling back to the durable snapshot
  set <storeId> <state>              replace a store's state
  dispatch <storeId> <action>        send an action to a store
  resolve <pageId> [storeKey]        map a page and key to a store id
  watch <storeId>                    print every change until interrupted
  snapshot ls                        list pages with a durable snapshot
  snapshot get <pageId>              print a page's snapshot
  snapshot set <pageId> <state>      write a page's next snapshot
  snapshot rm <pageId>               delete a page's snapshot
  snapshot watch <pageId>            print every new snapshot version until interrupted

<state> and <action> are JSON (comments allowed), @file, or - for stdin.

global flags:
`

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage")

type cli struct {
	ctx      context.Context
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	baseURL  string
	token    string
	format   string
	pagesDir string
	timeout  time.Duration
	rest     *resty.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{ctx: ctx, stdin: stdin, stdout: stdout, stderr: stderr}

	flags := pflag.NewFlagSet("storectl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVar(&c.baseURL, "url", envOr("STOREBRIDGE_URL", "http://127.0.0.1:7411"), "broker base URL")
	flags.StringVar(&c.token, "token", os.Getenv("STOREBRIDGE_TOKEN"), "shared secret")
	flags.StringVarP(&c.format, "output", "o", "json", "output format: json or yaml")
	flags.StringVar(&c.pagesDir, "pages-dir", envOr("BROKER_PAGES_DIR", ".storebridge/pages"), "pages directory for snapshot commands")
	flags.DurationVar(&c.timeout, "timeout", 15*time.Second, "request timeout")
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if c.format != "json" && c.format != "yaml" {
		fmt.Fprintf(stderr, "storectl: unknown output format %q\n", c.format)
		return 2
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return 2
	}

	c.rest = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json")
	if c.token != "" {
		c.rest.SetHeader(middleware.TokenHeader, c.token)
	}

	err := c.dispatch(rest[0], rest[1:])
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "storectl: %v\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "storectl: %v\n", err)
		return 1
	}
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "stores":
		return c.stores(args)
	case "get":
		return c.get(args)
	case "set":
		return c.set(args)
	case "dispatch":
		return c.dispatchAction(args)
	case "resolve":
		return c.resolve(args)
	case "watch":
		return c.watch(args)
	case "snapshot":
		return c.snapshot(args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
