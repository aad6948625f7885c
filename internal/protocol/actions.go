package protocol

import (
	"encoding/json"
	"strings"
)

// Action kinds accepted from the decision loop.
const (
	ActionNoop           = "noop"
	ActionReadArtifact   = "read_artifact"
	ActionWriteArtifact  = "write_artifact"
	ActionInvokeArtifact = "invoke_artifact"
	ActionTransferScrip  = "transfer_scrip"
)

// Action is a closed set: only the types in this file implement it.
type Action interface {
	actionKind() string
}

type Noop struct{}

type ReadArtifact struct {
	ArtifactID string `json:"artifact_id"`
}

type WriteArtifact struct {
	ArtifactID   string      `json:"artifact_id"`
	ArtifactType string      `json:"artifact_type,omitempty"`
	Content      string      `json:"content"`
	Executable   bool        `json:"executable,omitempty"`
	Code         string      `json:"code,omitempty"`
	Policy       *PolicySpec `json:"policy,omitempty"`
	Price        *int64      `json:"price,omitempty"` // legacy top-level invoke price
}

type InvokeArtifact struct {
	ArtifactID string         `json:"artifact_id"`
	Method     string         `json:"method"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
}

type TransferScrip struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (Noop) actionKind() string           { return ActionNoop }
func (ReadArtifact) actionKind() string   { return ActionReadArtifact }
func (WriteArtifact) actionKind() string  { return ActionWriteArtifact }
func (InvokeArtifact) actionKind() string { return ActionInvokeArtifact }
func (TransferScrip) actionKind() string  { return ActionTransferScrip }

// ActionType names the kind of a; nil is treated as noop.
func ActionType(a Action) string {
	if a == nil {
		return ActionNoop
	}
	return a.actionKind()
}

// Intent is one action proposed by a principal.
type Intent struct {
	PrincipalID string
	Action      Action
}

type intentEnvelope struct {
	ActionType  string `json:"action_type"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// DecodeIntent parses the flat envelope {"action_type": ..., "principal_id": ..., <fields>}.
func DecodeIntent(b []byte) (Intent, error) {
	var env intentEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Intent{}, WrapError(ErrBadRequest, err, "invalid intent json")
	}
	in := Intent{PrincipalID: env.PrincipalID}
	var err error
	switch strings.ToLower(strings.TrimSpace(env.ActionType)) {
	case ActionNoop, "":
		in.Action = Noop{}
	case ActionReadArtifact:
		var a ReadArtifact
		err = json.Unmarshal(b, &a)
		in.Action = a
	case ActionWriteArtifact:
		var a WriteArtifact
		err = json.Unmarshal(b, &a)
		in.Action = a
	case ActionInvokeArtifact:
		var a InvokeArtifact
		err = json.Unmarshal(b, &a)
		in.Action = a
	case ActionTransferScrip:
		var a TransferScrip
		err = json.Unmarshal(b, &a)
		in.Action = a
	default:
		return Intent{}, NewError(ErrBadRequest, "unknown action_type %q", env.ActionType)
	}
	if err != nil {
		return Intent{}, WrapError(ErrBadRequest, err, "invalid %s fields", env.ActionType)
	}
	return in, nil
}

// EncodeIntent is the inverse of DecodeIntent.
func EncodeIntent(in Intent) ([]byte, error) {
	act := in.Action
	if act == nil {
		act = Noop{}
	}
	fields := map[string]any{}
	if _, ok := act.(Noop); !ok {
		b, err := json.Marshal(act)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, err
		}
	}
	fields["action_type"] = ActionType(act)
	if in.PrincipalID != "" {
		fields["principal_id"] = in.PrincipalID
	}
	return json.Marshal(fields)
}

// ActionSchema is the default action contract handed to new agents.
const ActionSchema = `Respond with exactly one JSON intent:
{"action_type":"noop"}
{"action_type":"read_artifact","artifact_id":"..."}
{"action_type":"write_artifact","artifact_id":"...","artifact_type":"...","content":"...","executable":false,"code":"","policy":{"read_price":0,"invoke_price":0,"allow_read":["*"],"allow_write":[],"allow_invoke":["*"]}}
{"action_type":"invoke_artifact","artifact_id":"...","method":"...","args":[...],"kwargs":{}}
{"action_type":"transfer_scrip","from":"<you>","to":"...","amount":1}`
