package agent

import (
	"encoding/json"
	"strconv"

	"github.com/qbitdata/qbit/pkg/models"
)

// toolCallAssembler stitches streamed tool-call fragments back into whole
// calls. Backends differ in how they key continuation fragments: some repeat
// the call ID on every fragment, others send the ID once and identify the
// rest by positional index. Both are accepted; the first key seen for a call
// wins.
type toolCallAssembler struct {
	order   []string
	calls   map[string]*partialCall
	byIndex map[int]string
	seen    bool
}

type partialCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{
		calls:   make(map[string]*partialCall),
		byIndex: make(map[int]string),
	}
}

// sawToolCall reports whether any fragment has arrived yet.
func (a *toolCallAssembler) sawToolCall() bool { return a.seen }

// add merges one fragment.
func (a *toolCallAssembler) add(d ToolCallDelta) {
	a.seen = true

	var key string
	switch {
	case d.ID != "":
		key = "id:" + d.ID
		if d.Index != nil {
			a.byIndex[*d.Index] = key
		}
	case d.Index != nil:
		if mapped, ok := a.byIndex[*d.Index]; ok {
			key = mapped
		} else {
			key = "idx:" + strconv.Itoa(*d.Index)
			a.byIndex[*d.Index] = key
		}
	default:
		// No way to attribute this fragment; glue it onto the last call.
		if len(a.order) == 0 {
			return
		}
		key = a.order[len(a.order)-1]
	}

	call, ok := a.calls[key]
	if !ok {
		call = &partialCall{}
		a.calls[key] = call
		a.order = append(a.order, key)
	}
	if d.ID != "" {
		call.id = d.ID
	}
	if d.Name != "" {
		call.name = d.Name
	}
	if d.Arguments != "" {
		call.args = append(call.args, d.Arguments...)
	}
}

// finalize parses the accumulated argument strings and returns complete
// calls in arrival order. Unparseable arguments collapse to an empty object
// so one malformed call cannot sink the whole iteration.
func (a *toolCallAssembler) finalize() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		call := a.calls[key]
		if call.name == "" {
			continue
		}
		args := call.args
		if !json.Valid(args) || len(args) == 0 {
			args = []byte("{}")
		}
		out = append(out, models.ToolCall{
			ID:    call.id,
			Name:  call.name,
			Input: json.RawMessage(args),
		})
	}
	return out
}
