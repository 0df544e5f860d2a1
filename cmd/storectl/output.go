package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/tidwall/jsonc"

	"github.com/GriffinCanCode/storebridge/internal/protocol"
)

// call runs one REST request. Failure bodies come back as *protocol.Error so
// callers can match kinds with errors.Is.
func (c *cli) call(method, path string, pathParams, query map[string]string, body any) (json.RawMessage, error) {
	var failure struct {
		Error *protocol.ErrorObject `json:"error"`
	}
	req := c.rest.R().
		SetContext(c.ctx).
		SetError(&failure)
	if pathParams != nil {
		req.SetPathParams(pathParams)
	}
	for k, v := range query {
		if v != "" {
			req.SetQueryParam(k, v)
		}
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if failure.Error != nil {
			return nil, protocol.FromObject(failure.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return resp.Body(), nil
}

// readJSON reads a JSON argument: inline text, @file, or - for stdin.
// Comments and trailing commas are accepted.
func (c *cli) readJSON(arg string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case arg == "-":
		data, err = io.ReadAll(c.stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", arg, err)
	}

	data = bytes.TrimSpace(jsonc.ToJSON(data))
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", errUsage, arg)
	}
	return json.RawMessage(data), nil
}

func (c *cli) show(raw json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	return c.print(raw)
}

func (c *cli) printValue(v any) error {
	raw, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return c.print(raw)
}

// print writes a JSON document in the selected format.
func (c *cli) print(raw []byte) error {
	if c.format == "yaml" {
		out, err := yaml.JSONToYAML(raw)
		if err != nil {
			return fmt.Errorf("converting output to yaml: %w", err)
		}
		_, err = c.stdout.Write(out)
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	buf.WriteByte('\n')
	_, err := c.stdout.Write(buf.Bytes())
	return err
}

// printLine writes one streamed record: a compact JSON line, or a yaml
// document.
func (c *cli) printLine(v any) error {
	raw, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if c.format == "yaml" {
		out, err := yaml.JSONToYAML(raw)
		if err != nil {
			return fmt.Errorf("converting output to yaml: %w", err)
		}
		_, err = fmt.Fprintf(c.stdout, "---\n%s", out)
		return err
	}
	_, err = fmt.Fprintf(c.stdout, "%s\n", raw)
	return err
}
