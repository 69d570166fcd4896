package statusworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pilot-net/fleet-agent/agent/internal/executor"
	"github.com/pilot-net/fleet-agent/pkg/types"
)

// request and response are exchanged as newline-delimited JSON over the
// worker's stdin and stdout.
type request struct {
	ID      uint64        `json:"id"`
	Command types.Command `json:"command"`
}

type response struct {
	ID     uint64           `json:"id"`
	Result *executor.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`

	// Crashed is set by the supervisor when the worker died mid-command.
	Crashed bool `json:"-"`
}

// Serve is the worker side of the protocol. It runs requests from in one at a
// time and writes one response per request to out. It returns nil when in is
// closed.
func Serve(ctx context.Context, in io.Reader, out io.Writer, exec executor.CommandExecutor) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}

		resp := response{ID: req.ID}
		res, err := exec.Execute(ctx, req.Command.Body)
		switch {
		case err != nil:
			resp.Error = err.Error()
		case res == nil:
			resp.Error = "executor returned no result"
		default:
			resp.Result = res
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}
