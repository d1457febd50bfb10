package taskrun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/cnagent/pkg/backend"
)

func registerBuiltins(r *Registry) {
	r.Register("ping", taskPing)
	r.Register("echo", taskEcho)
	r.Register("sleep", taskSleep)
	r.Register("fail", taskFail)
}

// RegisterVmTasks wires the VM/image/NIC provisioning tasks against a
// concrete backend. Split from registerBuiltins so the worker binary can
// pick the backend implementation at startup.
func RegisterVmTasks(r *Registry, b backend.VmBackend) {
	r.Register("vm_create", func(ctx *Ctx, params json.RawMessage) error {
		p, err := decodeParams(params)
		if err != nil {
			return err
		}
		ctx.Progress(10)
		uuid, err := b.CreateVM(context.Background(), p)
		if err != nil {
			return err
		}
		ctx.Finish(map[string]interface{}{"uuid": uuid})
		return nil
	})

	r.Register("vm_destroy", func(ctx *Ctx, params json.RawMessage) error {
		p, err := decodeParams(params)
		if err != nil {
			return err
		}
		uuid, _ := p["uuid"].(string)
		if uuid == "" {
			return fmt.Errorf("vm_destroy: missing uuid parameter")
		}
		ctx.Progress(50)
		if err := b.DestroyVM(context.Background(), uuid); err != nil {
			return err
		}
		ctx.Finish(map[string]interface{}{"uuid": uuid})
		return nil
	})

	r.Register("vm_reboot", func(ctx *Ctx, params json.RawMessage) error {
		p, err := decodeParams(params)
		if err != nil {
			return err
		}
		uuid, _ := p["uuid"].(string)
		if uuid == "" {
			return fmt.Errorf("vm_reboot: missing uuid parameter")
		}
		ctx.Progress(50)
		if err := b.RebootVM(context.Background(), uuid); err != nil {
			return err
		}
		ctx.Finish(map[string]interface{}{"uuid": uuid})
		return nil
	})

	r.Register("image_import", func(ctx *Ctx, params json.RawMessage) error {
		p, err := decodeParams(params)
		if err != nil {
			return err
		}
		ctx.Progress(5)
		uuid, err := b.ImportImage(context.Background(), p)
		if err != nil {
			return err
		}
		ctx.Progress(100)
		ctx.Finish(map[string]interface{}{"uuid": uuid})
		return nil
	})

	r.Register("nic_update", func(ctx *Ctx, params json.RawMessage) error {
		p, err := decodeParams(params)
		if err != nil {
			return err
		}
		uuid, _ := p["uuid"].(string)
		if uuid == "" {
			return fmt.Errorf("nic_update: missing uuid parameter")
		}
		if err := b.UpdateNIC(context.Background(), uuid, p); err != nil {
			return err
		}
		ctx.Finish(map[string]interface{}{"uuid": uuid})
		return nil
	})
}

func decodeParams(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}

// taskPing finishes immediately; used to exercise the simplest possible
// dispatch-to-finish round trip.
func taskPing(ctx *Ctx, params json.RawMessage) error {
	ctx.Finish(map[string]interface{}{"pong": true})
	return nil
}

// taskEcho reports progress before finishing, so tests can assert on
// message ordering (progress must precede finish).
func taskEcho(ctx *Ctx, params json.RawMessage) error {
	p, err := decodeParams(params)
	if err != nil {
		return err
	}
	ctx.Progress(50)
	ctx.Finish(map[string]interface{}{"echo": p})
	return nil
}

// taskFail reports a non-terminal structured error before finishing, used
// to exercise the runner's error-event path (as opposed to a worker crash,
// which taskrun has no builtin for since a crash is a process exit, not a
// task). params: {"code": "..."}; defaults to "EUNSPECIFIED".
func taskFail(ctx *Ctx, params json.RawMessage) error {
	p, err := decodeParams(params)
	if err != nil {
		return err
	}
	code, _ := p["code"].(string)
	if code == "" {
		code = "EUNSPECIFIED"
	}
	ctx.ReportError(map[string]interface{}{"code": code})
	ctx.Finish(nil)
	return nil
}

// taskSleep blocks for the requested duration, used to exercise the
// runner's timeout handling. params: {"seconds": N}.
func taskSleep(ctx *Ctx, params json.RawMessage) error {
	p, err := decodeParams(params)
	if err != nil {
		return err
	}
	seconds := 0.0
	if v, ok := p["seconds"].(float64); ok {
		seconds = v
	}
	ctx.Progress(0)
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	ctx.Finish(map[string]interface{}{"slept_seconds": seconds})
	return nil
}
