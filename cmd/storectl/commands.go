package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/storebridge/internal/client"
	"github.com/GriffinCanCode/storebridge/internal/domain/snapshot"
	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

type mutationBody struct {
	State           json.RawMessage `json:"state,omitempty"`
	Action          json.RawMessage `json:"action,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

func (c *cli) newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parse(fs *pflag.FlagSet, args []string, want int, shape string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != want {
		return fmt.Errorf("%w: %s %s", errUsage, fs.Name(), shape)
	}
	return nil
}

// expectedVersion returns the --expected-version flag when it was given.
func expectedVersion(fs *pflag.FlagSet, v *int64) *int64 {
	if !fs.Changed("expected-version") {
		return nil
	}
	return v
}

func (c *cli) stores(args []string) error {
	fs := c.newFlags("stores")
	page := fs.String("page", "", "only stores on this page, with descriptions")
	if err := parse(fs, args, 0, "[--page ID]"); err != nil {
		return err
	}

	if *page != "" {
		return c.show(c.call("GET", "/pages/{pageId}/stores", map[string]string{"pageId": *page}, nil, nil))
	}
	return c.show(c.call("GET", "/stores", nil, nil, nil))
}

func (c *cli) get(args []string) error {
	fs := c.newFlags("get")
	page := fs.String("page", "", "page to resolve the store on")
	key := fs.String("key", "", "store key on the page (default store when empty)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch {
	case fs.NArg() == 1 && *page == "":
		return c.show(c.call("GET", "/stores/{id}/state", map[string]string{"id": fs.Arg(0)}, nil, nil))
	case fs.NArg() == 0 && *page != "":
		body, err := c.getByAddress(*page, *key)
		if err == nil {
			return c.show(body, nil)
		}
		if !offline(err) {
			return err
		}
		return c.showSnapshotFallback(*page, err)
	default:
		return fmt.Errorf("%w: get <storeId> | get --page ID [--key KEY]", errUsage)
	}
}

func (c *cli) getByAddress(pageID, storeKey string) (json.RawMessage, error) {
	body, err := c.call("GET", "/pages/{pageId}/resolve", map[string]string{"pageId": pageID}, map[string]string{"key": storeKey}, nil)
	if err != nil {
		return nil, err
	}
	var resolved protocol.ResolveResult
	if err := json.Unmarshal(body, &resolved); err != nil {
		return nil, fmt.Errorf("decoding resolve result: %w", err)
	}
	return c.call("GET", "/stores/{id}/state", map[string]string{"id": resolved.StoreID}, nil, nil)
}

// offline reports whether err means no live host could answer: the store is
// not registered, or the broker itself is unreachable.
func offline(err error) bool {
	var urlErr *url.Error
	return errors.Is(err, protocol.ErrStoreNotFound) ||
		errors.Is(err, protocol.ErrStoreOffline) ||
		errors.As(err, &urlErr)
}

func (c *cli) showSnapshotFallback(pageID string, cause error) error {
	snap, err := snapshot.NewFileStore(c.pagesDir, nil).Load(pageID)
	if err != nil {
		return fmt.Errorf("%v; reading snapshot: %w", cause, err)
	}
	if snap == nil {
		return cause
	}
	fmt.Fprintf(c.stderr, "storectl: store offline (%v); showing durable snapshot\n", cause)
	return c.printValue(struct {
		Source string `json:"source"`
		*snapshot.Snapshot
	}{Source: "snapshot", Snapshot: snap})
}

func (c *cli) set(args []string) error {
	fs := c.newFlags("set")
	expected := fs.Int64("expected-version", 0, "fail with VERSION_CONFLICT unless the store is at this version")
	if err := parse(fs, args, 2, "<storeId> <state>"); err != nil {
		return err
	}
	state, err := c.readJSON(fs.Arg(1))
	if err != nil {
		return err
	}
	body := mutationBody{State: state, ExpectedVersion: expectedVersion(fs, expected)}
	return c.show(c.call("PUT", "/stores/{id}/state", map[string]string{"id": fs.Arg(0)}, nil, body))
}

func (c *cli) dispatchAction(args []string) error {
	fs := c.newFlags("dispatch")
	expected := fs.Int64("expected-version", 0, "fail with VERSION_CONFLICT unless the store is at this version")
	if err := parse(fs, args, 2, "<storeId> <action>"); err != nil {
		return err
	}
	action, err := c.readJSON(fs.Arg(1))
	if err != nil {
		return err
	}
	body := mutationBody{Action: action, ExpectedVersion: expectedVersion(fs, expected)}
	return c.show(c.call("POST", "/stores/{id}/dispatch", map[string]string{"id": fs.Arg(0)}, nil, body))
}

func (c *cli) resolve(args []string) error {
	fs := c.newFlags("resolve")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("%w: resolve <pageId> [storeKey]", errUsage)
	}
	return c.show(c.call("GET", "/pages/{pageId}/resolve",
		map[string]string{"pageId": fs.Arg(0)}, map[string]string{"key": fs.Arg(1)}, nil))
}

type watchLine struct {
	Kind string `json:"event"`
	client.Event
}

func (c *cli) watch(args []string) error {
	fs := c.newFlags("watch")
	if err := parse(fs, args, 1, "<storeId>"); err != nil {
		return err
	}
	storeID := fs.Arg(0)

	conn, err := client.Dial(c.ctx, c.baseURL, client.Options{Token: c.token, MaxRetries: 3})
	if err != nil {
		return err
	}
	defer conn.Close()

	events := make(chan client.Event, 64)
	unsubscribe, online, err := conn.Subscribe(c.ctx, storeID, func(ev client.Event) { events <- ev })
	if err != nil {
		return err
	}
	if !online {
		fmt.Fprintf(c.stderr, "storectl: %s is offline, waiting for it to register\n", storeID)
	}

	for {
		select {
		case ev := <-events:
			if err := c.printLine(watchLine{Kind: ev.Method, Event: ev}); err != nil {
				return err
			}
		case <-conn.Done():
			return conn.Err()
		case <-c.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = unsubscribe(ctx)
			return nil
		}
	}
}

func (c *cli) snapshot(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: snapshot ls|get|set|rm|watch", errUsage)
	}
	store := snapshot.NewFileStore(c.pagesDir, nil)
	sub, args := args[0], args[1:]

	switch sub {
	case "ls":
		if err := parse(c.newFlags("snapshot ls"), args, 0, ""); err != nil {
			return err
		}
		pages, err := store.List()
		if err != nil {
			return err
		}
		return c.printValue(map[string][]string{"pages": pages})

	case "get":
		if err := parse(c.newFlags("snapshot get"), args, 1, "<pageId>"); err != nil {
			return err
		}
		snap, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("no snapshot for page %q", args[0])
		}
		return c.printValue(snap)

	case "set":
		fs := c.newFlags("snapshot set")
		expected := fs.Int64("expected-version", 0, "fail unless the snapshot is at this version")
		if err := parse(fs, args, 2, "<pageId> <state>"); err != nil {
			return err
		}
		state, err := c.readJSON(fs.Arg(1))
		if err != nil {
			return err
		}
		snap, err := store.Save(c.ctx, fs.Arg(0), snapshot.Snapshot{State: state}, expectedVersion(fs, expected))
		if err != nil {
			return err
		}
		return c.printValue(snap)

	case "rm":
		if err := parse(c.newFlags("snapshot rm"), args, 1, "<pageId>"); err != nil {
			return err
		}
		deleted, err := store.Delete(c.ctx, args[0])
		if err != nil {
			return err
		}
		return c.printValue(map[string]bool{"deleted": deleted})

	case "watch":
		if err := parse(c.newFlags("snapshot watch"), args, 1, "<pageId>"); err != nil {
			return err
		}
		failed := make(chan error, 1)
		err := store.Watch(c.ctx, args[0], func(snap *snapshot.Snapshot) {
			if err := c.printLine(snap); err != nil {
				select {
				case failed <- err:
				default:
				}
			}
		})
		if err != nil {
			return err
		}
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-failed:
			return err
		}

	default:
		return fmt.Errorf("%w: unknown snapshot command %q", errUsage, sub)
	}
}
