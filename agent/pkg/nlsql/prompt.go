package nlsql

import (
	"fmt"
	"strings"
	"sync"

	"github.com/andeslabs/sqlcopilot/agent/pkg/nlsql/prompts"
)

// Prompts holds the collaborator prompt texts loaded from the embedded
// filesystem, with {{SQL_CONTEXT}} composed into the SQL-facing ones.
type Prompts struct {
	Intent     string
	Analyze    string
	Generate   string
	Repair     string
	Summarize  string
	SQLContext string
}

var (
	loadedPrompts *Prompts
	promptsOnce   sync.Once
	promptsErr    error
)

// LoadPrompts loads and composes all prompt texts, once per process.
func LoadPrompts() (*Prompts, error) {
	promptsOnce.Do(func() {
		loadedPrompts, promptsErr = loadAllPrompts()
	})
	return loadedPrompts, promptsErr
}

func loadAllPrompts() (*Prompts, error) {
	p := &Prompts{}
	var err error
	if p.SQLContext, err = loadPrompt("SQL_CONTEXT.md"); err != nil {
		return nil, err
	}
	if p.Intent, err = loadPrompt("INTENT.md"); err != nil {
		return nil, err
	}
	if p.Analyze, err = loadPrompt("ANALYZE.md"); err != nil {
		return nil, err
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, err
	}
	if p.Repair, err = loadPrompt("REPAIR.md"); err != nil {
		return nil, err
	}
	if p.Summarize, err = loadPrompt("SUMMARIZE.md"); err != nil {
		return nil, err
	}
	p.Generate = strings.ReplaceAll(p.Generate, "{{SQL_CONTEXT}}", p.SQLContext)
	p.Repair = strings.ReplaceAll(p.Repair, "{{SQL_CONTEXT}}", p.SQLContext)
	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.FS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
