// Package ingest drives a provider parser and batches its output into
// storage, producing a persisted ImportEvent audit record per run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/parse"
	"github.com/dshills/chatvault/archive/store"
)

// staleGrace is how long an in_progress event may sit before a later run
// declares it abandoned.
const staleGrace = time.Hour

// Runner executes ingestion runs against one store.
//
// Runs are idempotent: re-importing the same export replaces conversations
// with identical (provider, external_id) atomically, each in its own write
// transaction, so queries concurrently observe either the old or the new
// conversation, never a mix. A single bad conversation never fails the run;
// it is skipped with a warning on the event.
type Runner struct {
	store  *store.Store
	log    *slog.Logger
	tracer trace.Tracer

	// hooks for observers (metrics); no-ops by default.
	onConversation func(provider archive.Provider, inserted bool)
	onWarning      func(provider archive.Provider, tag string)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger used for run progress.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithObserver registers callbacks invoked per stored conversation and per
// warning, used to feed metrics without coupling the pipeline to a registry.
func WithObserver(onConversation func(archive.Provider, bool), onWarning func(archive.Provider, string)) Option {
	return func(r *Runner) {
		if onConversation != nil {
			r.onConversation = onConversation
		}
		if onWarning != nil {
			r.onWarning = onWarning
		}
	}
}

// NewRunner creates a Runner over the given store.
func NewRunner(st *store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:          st,
		log:            slog.Default(),
		tracer:         otel.Tracer("chatvault"),
		onConversation: func(archive.Provider, bool) {},
		onWarning:      func(archive.Provider, string) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ingests the artifact at path for the given provider.
//
// The returned event is always non-nil once the run was recorded, including
// on failure; its Status, counters, and diagnostics describe the outcome.
// The error mirrors the event's failure cause for callers that branch on
// error kinds (archive.ErrBadInput, archive.ErrUnknownProvider, storage
// errors).
func (r *Runner) Run(ctx context.Context, provider archive.Provider, path string) (*store.ImportEvent, error) {
	parser, err := parse.ForProvider(provider)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "ingest.run",
		trace.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.String("source", path),
		))
	defer span.End()

	// Earlier runs killed mid-flight stay in_progress forever otherwise.
	if swept, err := r.store.SweepStaleImports(ctx, staleGrace); err != nil {
		return nil, err
	} else if swept > 0 {
		r.log.Warn("marked stale import events as abandoned", "count", swept)
	}

	ev, err := r.store.CreateImportEvent(ctx, provider, path)
	if err != nil {
		return nil, err
	}
	log := r.log.With("import_event", ev.ID, "provider", provider, "source", path)
	log.Info("import started")

	warn := func(tag, detail string) {
		ev.AddDiagnostic(tag, detail)
		r.onWarning(provider, tag)
		log.Debug("import warning", "tag", tag, "detail", detail)
	}

	sink := func(conv *archive.Conversation) error {
		ev.ConversationsSeen++
		conv.Provider = provider

		res, err := r.storeConversation(ctx, conv)
		if err != nil {
			// Storage-fatal errors abort the run; a constraint violation
			// on one conversation is a warning and the run continues.
			if isFatalStorageErr(ctx, err) {
				return err
			}
			warn(parse.WarnBadConversation,
				fmt.Sprintf("%s %s: %v", provider, conv.ExternalID, err))
			return nil
		}

		// messages_inserted counts net-new messages: a re-import that
		// replaces an existing conversation reports zero new.
		if res.Inserted {
			ev.ConversationsInserted++
			ev.MessagesInserted += int64(res.Messages)
		} else {
			ev.ConversationsUpdated++
		}
		r.onConversation(provider, res.Inserted)
		return nil
	}

	runErr := parser.Parse(ctx, path, sink, warn)

	if runErr != nil {
		ev.Status = store.ImportFailed
		ev.Error = runErr.Error()
		log.Error("import failed", "error", runErr)
		span.RecordError(runErr)
	} else {
		ev.Status = store.ImportCompleted
		log.Info("import completed",
			"seen", ev.ConversationsSeen,
			"inserted", ev.ConversationsInserted,
			"updated", ev.ConversationsUpdated,
			"messages", ev.MessagesInserted,
			"warnings", ev.Warnings,
			"elapsed", time.Since(ev.StartedAt))
	}

	if err := r.store.FinalizeImportEvent(ctx, ev); err != nil {
		if runErr == nil {
			runErr = err
		}
		log.Error("failed to finalize import event", "error", err)
	}
	return ev, runErr
}

// storeConversation validates and persists one conversation in its own
// transaction.
func (r *Runner) storeConversation(ctx context.Context, conv *archive.Conversation) (store.UpsertResult, error) {
	if conv.ExternalID == "" {
		return store.UpsertResult{}, errors.New("conversation has no external id")
	}
	for i := range conv.Messages {
		if !conv.Messages[i].Role.Valid() {
			return store.UpsertResult{}, fmt.Errorf("message %d has non-canonical role %q", i, conv.Messages[i].Role)
		}
	}
	return r.store.UpsertConversation(ctx, conv)
}

// isFatalStorageErr distinguishes run-aborting storage failures from
// per-conversation problems. Only context cancellation and deadline expiry
// abort; every other storage error, a closed store included, is treated as
// a per-conversation skip.
func isFatalStorageErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
