package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/vaultwatch/service/logging"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// jsonOutput reports whether machine-readable output was requested.
func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// writeOutput prints v as JSON (optionally through --jq) or calls human.
func writeOutput(c *cli.Context, v interface{}, human func(w io.Writer)) error {
	w := c.App.Writer
	if !jsonOutput(c) {
		human(w)
		return nil
	}

	filter := c.String("jq")
	if filter == "" {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	results, err := applyJQ(filter, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}

// applyJQ runs filter over the JSON form of v and collects every result.
func applyJQ(filter string, v interface{}) ([]interface{}, error) {
	code, err := compileJQ(filter)
	if err != nil {
		return nil, err
	}
	input, err := toJSONValue(v)
	if err != nil {
		return nil, err
	}

	var out []interface{}
	iter := code.Run(input)
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := r.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func compileJQ(filter string) (*gojq.Code, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}
	return code, nil
}

// toJSONValue converts v to the map/slice form gojq operates on.
func toJSONValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func cliLogger(c *cli.Context) *slog.Logger {
	return logging.New(c.String("log-level"), logging.FormatText, os.Stderr)
}
