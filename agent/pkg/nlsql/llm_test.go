package nlsql

import (
	"context"

	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// fakeLLM scripts completions for the collaborator tests. Replies are
// consumed in order; the last one repeats.
type fakeLLM struct {
	replies []string
	err     error
	calls   int
	systems []string
	users   []string
}

func (f *fakeLLM) Complete(_ context.Context, system, user string, _ ...workflow.CompleteOption) (string, error) {
	f.calls++
	f.systems = append(f.systems, system)
	f.users = append(f.users, user)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	i := f.calls - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i], nil
}
