package nlsql

import (
	"github.com/andeslabs/sqlcopilot/agent/pkg/workflow"
)

// Collaborators bundles the LLM-backed collaborator implementations
// built over a single client.
type Collaborators struct {
	Classifier *IntentClassifier
	Analyzer   *QueryAnalyzer
	Generator  *SQLGenerator
	Repairer   *SQLRepairer
	Summarizer *ResultSummarizer
}

// New loads the embedded prompts and builds the full collaborator set.
func New(llm workflow.LLMClient) (*Collaborators, error) {
	p, err := LoadPrompts()
	if err != nil {
		return nil, err
	}
	return &Collaborators{
		Classifier: NewIntentClassifier(llm, p),
		Analyzer:   NewQueryAnalyzer(llm, p),
		Generator:  NewSQLGenerator(llm, p),
		Repairer:   NewSQLRepairer(llm, p),
		Summarizer: NewResultSummarizer(llm, p),
	}, nil
}
