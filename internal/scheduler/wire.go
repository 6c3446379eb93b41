package scheduler

import (
	"encoding/json"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/internal/executor"
)

// wireActionIntent mirrors spec §6.1's agent action wire format:
// {action_type, principal_id, ...typed fields}.
type wireActionIntent struct {
	ActionType       string                 `json:"action_type"`
	PrincipalID      string                 `json:"principal_id"`
	TargetID         string                 `json:"target_id"`
	Type             string                 `json:"type"`
	Content          string                 `json:"content"`
	Code             string                 `json:"code"`
	AccessContractID string                 `json:"access_contract_id"`
	Metadata         map[string]interface{} `json:"metadata"`
	OldString        string                 `json:"old_string"`
	NewString        string                 `json:"new_string"`
	Method           string                 `json:"method"`
	Args             map[string]interface{} `json:"args"`
	Query            string                 `json:"query"`
	Context          map[string]interface{} `json:"context"`
	SystemPrompt     string                 `json:"system_prompt"`
}

var knownActions = map[executor.Action]bool{
	executor.ActionNoop:               true,
	executor.ActionRead:               true,
	executor.ActionWrite:              true,
	executor.ActionEdit:               true,
	executor.ActionInvoke:             true,
	executor.ActionDelete:             true,
	executor.ActionQueryKernel:        true,
	executor.ActionSubscribe:          true,
	executor.ActionUnsubscribe:        true,
	executor.ActionConfigureContext:   true,
	executor.ActionModifySystemPrompt: true,
}

// ParseActionIntent decodes one LLM completion's content into an
// ActionIntent (spec §4.7 step 5). principal is always the calling agent's
// own id — principal_id in the wire payload is ignored rather than trusted,
// since honoring it would let an agent's completion content impersonate a
// different principal.
func ParseActionIntent(principal, raw string) (executor.ActionIntent, error) {
	var w wireActionIntent
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return executor.ActionIntent{}, kerrors.TypeMismatch("json action proposal", err.Error())
	}

	action := executor.Action(w.ActionType)
	if !knownActions[action] {
		return executor.ActionIntent{}, kerrors.TypeMismatch("known action_type", w.ActionType)
	}

	return executor.ActionIntent{
		Principal:        principal,
		Action:           action,
		TargetID:         w.TargetID,
		Type:             w.Type,
		Content:          w.Content,
		Code:             w.Code,
		AccessContractID: w.AccessContractID,
		Metadata:         w.Metadata,
		OldString:        w.OldString,
		NewString:        w.NewString,
		Method:           w.Method,
		Args:             w.Args,
		Query:            w.Query,
		Context:          w.Context,
		SystemPrompt:     w.SystemPrompt,
	}, nil
}
