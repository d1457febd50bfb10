// Command cnagent-worker is the forked child process that executes exactly
// one task. The runner (pkg/runner) launches one of these per dispatched
// task, writes a single JSON start request on its stdin, and reads the
// worker protocol messages it emits on stdout until a finish or exception
// message arrives.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/cnagent/pkg/backend/linuxbackend"
	"github.com/cuemby/cnagent/pkg/taskrun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cnagent-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading start request: %w", err)
	}

	var req taskrun.StartRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return fmt.Errorf("decoding start request: %w", err)
	}

	ctx := taskrun.NewCtx(req.ReqID, os.Stdout)
	ctx.Ready()

	registry := taskrun.NewRegistry()
	taskrun.RegisterVmTasks(registry, linuxbackend.New(""))

	fn, err := registry.Lookup(req.Task)
	if err != nil {
		ctx.Fatal(err.Error(), nil)
		return nil
	}

	if err := fn(ctx, req.Params); err != nil {
		ctx.Fatal(err.Error(), nil)
		return nil
	}

	return nil
}
