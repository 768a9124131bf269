package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/andeslabs/sqlcopilot/api/handlers"
)

const processedEventsMaxAge = 1 * time.Hour

// EventHandler consumes socket-mode events and routes user messages to
// the processor. DMs and mentions start a session; replies in a thread
// the bot answered in continue that session.
type EventHandler struct {
	client    *Client
	processor *Processor
	log       *slog.Logger

	// Threads the bot is participating in, keyed by channel:threadTS.
	activeThreadsMu sync.RWMutex
	activeThreads   map[string]time.Time

	// Envelope IDs already handled, so Slack redeliveries are dropped.
	processedMu sync.RWMutex
	processed   map[string]time.Time

	inFlight     sync.WaitGroup
	shutdownMu   sync.RWMutex
	acceptingNew bool
}

// NewEventHandler creates an event handler.
func NewEventHandler(client *Client, processor *Processor, log *slog.Logger) *EventHandler {
	return &EventHandler{
		client:        client,
		processor:     processor,
		log:           log,
		activeThreads: make(map[string]time.Time),
		processed:     make(map[string]time.Time),
		acceptingNew:  true,
	}
}

// StartCleanup prunes stale dedupe and thread entries in the background.
func (h *EventHandler) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				h.processedMu.Lock()
				for id, at := range h.processed {
					if now.Sub(at) > processedEventsMaxAge {
						delete(h.processed, id)
					}
				}
				h.processedMu.Unlock()
			}
		}
	}()
}

// StopAcceptingNew stops taking new events and returns a wait function
// for in-flight message processing.
func (h *EventHandler) StopAcceptingNew() func() {
	h.shutdownMu.Lock()
	h.acceptingNew = false
	h.shutdownMu.Unlock()
	h.log.Info("stopped accepting new slack events, draining in-flight work")
	return h.inFlight.Wait
}

func (h *EventHandler) isAcceptingNew() bool {
	h.shutdownMu.RLock()
	defer h.shutdownMu.RUnlock()
	return h.acceptingNew
}

func threadKey(channel, threadTS string) string {
	return channel + ":" + threadTS
}

func (h *EventHandler) markThreadActive(channel, threadTS string) {
	h.activeThreadsMu.Lock()
	h.activeThreads[threadKey(channel, threadTS)] = time.Now()
	h.activeThreadsMu.Unlock()
}

func (h *EventHandler) isThreadActive(channel, threadTS string) bool {
	h.activeThreadsMu.RLock()
	_, ok := h.activeThreads[threadKey(channel, threadTS)]
	h.activeThreadsMu.RUnlock()
	return ok
}

// isOurThread reports whether a thread belongs to one of the bot's
// sessions. The in-memory set covers threads this process started; the
// run store covers threads started before a restart.
func (h *EventHandler) isOurThread(ctx context.Context, channel, threadTS string) bool {
	if h.isThreadActive(channel, threadTS) {
		return true
	}
	run, err := handlers.GetLatestRunForSession(ctx, sessionIDFor(channel, threadTS))
	if err != nil {
		h.log.Warn("failed to check thread session", "channel", channel, "thread_ts", threadTS, "error", err)
		return false
	}
	if run != nil {
		h.markThreadActive(channel, threadTS)
		return true
	}
	return false
}

// alreadyProcessed records an event ID, reporting whether it was seen before.
func (h *EventHandler) alreadyProcessed(id string) bool {
	if id == "" {
		return false
	}
	h.processedMu.Lock()
	defer h.processedMu.Unlock()
	if _, ok := h.processed[id]; ok {
		return true
	}
	h.processed[id] = time.Now()
	return false
}

// HandleSocketMode consumes the socket-mode event loop until ctx ends.
func (h *EventHandler) HandleSocketMode(ctx context.Context, client *socketmode.Client) error {
	h.log.Info("slack bot running in socket mode")

	for {
		select {
		case <-ctx.Done():
			h.log.Info("shutting down socket mode handler")
			return ctx.Err()
		case evt, ok := <-client.Events:
			if !ok {
				h.log.Info("socket mode events channel closed")
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				h.log.Info("socketmode: connecting")
			case socketmode.EventTypeConnected:
				h.log.Info("socketmode: connected")
			case socketmode.EventTypeConnectionError:
				h.log.Error("socketmode: connection error", "error", evt.Data)
			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					h.log.Warn("socketmode: unexpected EventsAPI payload", "data_type", fmt.Sprintf("%T", evt.Data))
					continue
				}
				client.Ack(*evt.Request)

				if h.alreadyProcessed(evt.Request.EnvelopeID) {
					h.log.Info("skipping duplicate event", "envelope_id", evt.Request.EnvelopeID)
					eventsDuplicateTotal.Inc()
					continue
				}
				if !h.isAcceptingNew() {
					h.log.Info("shutting down, dropping new event")
					continue
				}
				// Background context so shutdown doesn't cut off work
				// mid-run; the waitgroup coordinates draining.
				h.HandleEvent(context.Background(), e)
			}
		}
	}
}

// HandleEvent dispatches one Events API callback.
func (h *EventHandler) HandleEvent(ctx context.Context, e slackevents.EventsAPIEvent) {
	eventsReceivedTotal.WithLabelValues(e.InnerEvent.Type).Inc()
	if e.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := e.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		h.handleMention(ctx, ev)
	case *slackevents.MessageEvent:
		h.handleMessage(ctx, ev)
	}
}

// handleMention handles a channel mention: it roots a new thread (or
// continues one) for the mentioning message.
func (h *EventHandler) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	h.markThreadActive(ev.Channel, threadTS)

	key := threadKey(ev.Channel, ev.TimeStamp)
	if h.processor.HasResponded(key) {
		messagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}
	h.processor.MarkResponded(key)

	h.log.Info("mention received", "channel", ev.Channel, "thread_ts", threadTS, "user", ev.User)
	h.inFlight.Add(1)
	go func() {
		defer h.inFlight.Done()
		h.processor.ProcessMessage(ctx, ev.Channel, threadTS, ev.Text)
	}()
}

// handleMessage handles DMs and thread replies. Channel messages that
// are neither mentions nor replies in one of our threads are ignored;
// top-level mentions arrive as app_mention events instead.
func (h *EventHandler) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.SubType != "" {
		messagesIgnoredTotal.WithLabelValues("subtype").Inc()
		return
	}
	if ev.BotID != "" || ev.User == h.client.BotUserID() {
		messagesIgnoredTotal.WithLabelValues("bot_message").Inc()
		return
	}

	isDM := ev.ChannelType == "im"
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}

	if !isDM {
		// Mentions in top-level messages are handled via app_mention.
		if h.client.IsBotMentioned(ev.Text) && ev.ThreadTimeStamp == "" {
			return
		}
		if ev.ThreadTimeStamp == "" || !h.isOurThread(ctx, ev.Channel, ev.ThreadTimeStamp) {
			messagesIgnoredTotal.WithLabelValues("not_our_thread").Inc()
			return
		}
	}

	key := threadKey(ev.Channel, ev.TimeStamp)
	if h.processor.HasResponded(key) {
		messagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}
	h.processor.MarkResponded(key)
	h.markThreadActive(ev.Channel, threadTS)

	h.log.Info("message received", "channel", ev.Channel, "is_dm", isDM, "thread_ts", threadTS, "user", ev.User)
	h.inFlight.Add(1)
	go func() {
		defer h.inFlight.Done()
		h.processor.ProcessMessage(ctx, ev.Channel, threadTS, ev.Text)
	}()
}
