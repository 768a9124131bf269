package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snormore/slackmd"

	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/handlers"
)

const (
	respondedMaxAge = 1 * time.Hour

	// runWaitTimeout bounds how long we watch a single run before
	// telling the user to check back. The run itself keeps going.
	runWaitTimeout = 5 * time.Minute
)

// Processor turns Slack thread messages into copilot runs. Each thread
// maps to one session, so a reply in a thread whose session is waiting
// on a clarification resumes it instead of starting over.
type Processor struct {
	client *Client
	log    *slog.Logger

	respondedMu sync.Mutex
	responded   map[string]time.Time
}

// NewProcessor creates a message processor.
func NewProcessor(client *Client, log *slog.Logger) *Processor {
	return &Processor{
		client:    client,
		log:       log,
		responded: make(map[string]time.Time),
	}
}

// HasResponded reports whether a message key was already handled.
func (p *Processor) HasResponded(key string) bool {
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()
	_, ok := p.responded[key]
	return ok
}

// MarkResponded records a message key before processing starts, so a
// redelivered event cannot double-answer.
func (p *Processor) MarkResponded(key string) {
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()
	p.responded[key] = time.Now()
}

// StartCleanup prunes old responded keys in the background.
func (p *Processor) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				p.respondedMu.Lock()
				for key, at := range p.responded {
					if now.Sub(at) > respondedMaxAge {
						delete(p.responded, key)
					}
				}
				p.respondedMu.Unlock()
			}
		}
	}()
}

// sessionIDFor maps a Slack thread to a copilot session.
func sessionIDFor(channel, threadTS string) string {
	return fmt.Sprintf("slack:%s:%s", channel, threadTS)
}

// ProcessMessage runs one user message end to end: start or resume the
// session's run, keep a progress message updated in the thread, and
// post the final answer or clarification question.
func (p *Processor) ProcessMessage(ctx context.Context, channel, threadTS, text string) {
	sessionID := sessionIDFor(channel, threadTS)
	question := p.client.StripMention(text)
	if question == "" {
		messagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	progressTS, err := p.client.PostThreadMessage(ctx, channel, threadTS, "_Looking into it..._")
	if err != nil {
		p.log.Error("failed to post progress message", "channel", channel, "error", err)
		return
	}

	runID, err := p.startOrResume(ctx, sessionID, question)
	if err != nil {
		p.log.Error("failed to start run", "session_id", sessionID, "error", err)
		p.finish(ctx, channel, progressTS, "error",
			"Something went wrong before I could get started. Please try again.")
		return
	}

	p.watchRun(ctx, runID, channel, progressTS)
}

// startOrResume routes the message by the session's persisted state.
func (p *Processor) startOrResume(ctx context.Context, sessionID, question string) (uuid.UUID, error) {
	run, err := handlers.GetLatestRunForSession(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	if run != nil && run.Status == handlers.RunStatusSuspended {
		return handlers.Manager.Resume(sessionID, question)
	}
	return handlers.Manager.StartRun(sessionID, config.Default(), question)
}

// watchRun follows the run's event stream and keeps the thread message
// current until the run reaches an end state.
func (p *Processor) watchRun(ctx context.Context, runID uuid.UUID, channel, progressTS string) {
	sub := handlers.Manager.Subscribe(runID)
	if sub == nil {
		// Run already finished between start and subscribe; read the row.
		p.finishFromRow(ctx, runID, channel, progressTS)
		return
	}
	defer handlers.Manager.Unsubscribe(runID, sub)

	timeout := time.NewTimer(runWaitTimeout)
	defer timeout.Stop()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				p.finishFromRow(ctx, runID, channel, progressTS)
				return
			}
			// End events arrive before the run row is written; the Done
			// channel below closes after, so only stage updates are
			// rendered from the stream.
			if event.Type == "stage" {
				if data, ok := event.Data.(map[string]string); ok {
					_ = p.client.UpdateMessage(ctx, channel, progressTS, progressLine(data["stage"]))
				}
			}

		case <-sub.Done:
			p.finishFromRow(ctx, runID, channel, progressTS)
			return

		case <-timeout.C:
			p.finish(ctx, channel, progressTS, "error",
				"This is taking longer than expected. I'll keep working; ask again in a bit.")
			return

		case <-ctx.Done():
			return
		}
	}
}

// progressLine renders a workflow stage as a status message.
func progressLine(stage string) string {
	switch stage {
	case "classify-intent":
		return "_Reading your question..._"
	case "analyze-query":
		return "_Working out what data you need..._"
	case "discover-fields":
		return "_Finding the relevant tables and columns..._"
	case "generate-sql":
		return "_Writing the query..._"
	case "repair-sql":
		return "_Running the query and fixing issues..._"
	case "summarize":
		return "_Summarizing the results..._"
	default:
		return "_Working..._"
	}
}

// finishFromRow renders the run's persisted end state into the thread.
func (p *Processor) finishFromRow(ctx context.Context, runID uuid.UUID, channel, progressTS string) {
	run, err := handlers.GetRun(ctx, runID)
	if err != nil || run == nil {
		p.log.Error("failed to load finished run", "run_id", runID, "error", err)
		p.finish(ctx, channel, progressTS, "error",
			"Something went wrong while working on your question. Please try again.")
		return
	}

	switch run.Status {
	case handlers.RunStatusSuspended:
		question := "Could you give me a bit more detail?"
		if run.QuestionToUser != nil && *run.QuestionToUser != "" {
			question = *run.QuestionToUser
		}
		p.finish(ctx, channel, progressTS, "clarification", question+"\n_Reply in this thread to continue._")

	case handlers.RunStatusCompleted:
		answer := ""
		if run.Answer != nil {
			answer = *run.Answer
		}
		text := slackmd.Convert(answer)
		if run.SQL != nil && *run.SQL != "" {
			text += fmt.Sprintf("\n```%s```", strings.TrimSpace(*run.SQL))
		}
		p.finish(ctx, channel, progressTS, "answer", text)

	case handlers.RunStatusFailed:
		p.finish(ctx, channel, progressTS, "error",
			"Something went wrong while working on your question. Please try again.")

	default:
		p.finish(ctx, channel, progressTS, "error",
			"Still working on this one; I'll have lost the thread though, so please ask again shortly.")
	}
}

// finish replaces the progress message with the final text.
func (p *Processor) finish(ctx context.Context, channel, ts, kind, text string) {
	repliesPostedTotal.WithLabelValues(kind).Inc()
	if err := p.client.UpdateMessage(ctx, channel, ts, text); err != nil {
		p.log.Error("failed to post final reply", "channel", channel, "kind", kind, "error", err)
	}
}
