// Package cli implements the operator subcommands of the odyssey binary.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Run executes `jobs <command> [args]` and returns the process exit code.
func Run(ctx context.Context, c *JobsCLI, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: odyssey jobs trigger rescan|analyze <policy-id> | stats | scheduled")
		return 2
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	var err error
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(errOut, "jobs trigger: job name required")
			return 2
		}
		info, terr := c.Trigger(ctx, args[1], args[2:]...)
		if err = terr; err == nil {
			err = enc.Encode(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
		}
	case "stats":
		stats, serr := c.InspectQueue(ctx)
		if err = serr; err == nil {
			err = enc.Encode(stats)
		}
	case "scheduled":
		list, lerr := c.ListScheduled(ctx, 20)
		if err = lerr; err == nil {
			ids := make([]string, 0, len(list))
			for _, t := range list {
				ids = append(ids, t.ID)
			}
			err = enc.Encode(ids)
		}
	default:
		fmt.Fprintf(errOut, "jobs: unknown command %q\n", args[0])
		return 2
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}
