// Package generation orchestrates one assistant turn: admission control,
// context assembly, a pending message with a reserved position, streamed
// deltas, and finalization. The language model itself is a collaborator
// behind the LanguageModel interface; this package never talks to a
// provider directly.
package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"weft/pkg/logger"
	"weft/pkg/models"
	"weft/pkg/ratelimit"
	"weft/pkg/recall"
	"weft/pkg/store"
	"weft/pkg/stream"
	"weft/pkg/tokenizer"
)

// Outcome is the terminal result of a model call. Parts may include
// tool-call and tool-result parts; when nil the accumulated streamed text
// becomes the message content.
type Outcome struct {
	Parts []models.Part
	Usage *models.Usage
}

// LanguageModel produces an assistant turn from the assembled context. It
// calls emit for each incremental text fragment and returns the final
// outcome, or an error when generation failed. Implementations must honor
// ctx cancellation.
type LanguageModel interface {
	Generate(ctx context.Context, contextMsgs []models.Message, prompt string, emit func(fragment string) error) (Outcome, error)
}

// Request describes one generation step.
type Request struct {
	ThreadID string
	UserID   string
	Prompt   string
	// SavePrompt records the prompt as a user message before generating.
	// Stepped workflows that already saved it on an earlier step leave
	// this false and set TurnOrder instead.
	SavePrompt bool
	// TurnOrder places the assistant message inside an existing turn
	// (next stepOrder) rather than allocating a new one.
	TurnOrder *int64
	// Ephemeral skips delta persistence; only live subscribers see the
	// stream, and the finalized message is the durable record.
	Ephemeral bool
	Context   recall.Options
	// TokenEstimate, when positive, is reserved against the caller's
	// token bucket before the call and reconciled with actual usage after.
	TokenEstimate float64
	// IdempotencyKey deduplicates retries. Empty means a fresh key is
	// generated and the run is never deduplicated.
	IdempotencyKey string
}

// Result is the finalized assistant message plus the user message id when
// the prompt was saved.
type Result struct {
	Message         models.Message
	PromptMessageID string
}

type runState struct {
	done chan struct{}
	res  Result
	err  error
}

// Generator wires the admission limiter, the context assembler, the store
// and the delta engine into the generation flow.
type Generator struct {
	Store     *store.Store
	Stream    *stream.Engine
	Assembler *recall.Assembler
	Limiter   *ratelimit.Limiter
	Model     LanguageModel
	// Embedder, when set, stores an embedding of each successful message
	// so vector recall can find it later.
	Embedder recall.Embedder
	Tok      *tokenizer.Tokenizer

	mu   sync.Mutex
	runs map[string]*runState
}

// stepNamespace scopes deterministic idempotency keys.
var stepNamespace = uuid.MustParse("7a9f4c2e-3b1d-4f68-9a05-8c2d6e1b0f43")

// StepKey derives a deterministic idempotency key for re-running one step
// of a stepped workflow.
func StepKey(messageID string, step int) string {
	return uuid.NewSHA1(stepNamespace, []byte(fmt.Sprintf("%s/%d", messageID, step))).String()
}

// Run executes one generation step. Re-invoking with the same idempotency
// key while a run is in flight, or after it completed, returns the first
// run's result instead of generating again.
func (g *Generator) Run(ctx context.Context, req Request) (Result, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	g.mu.Lock()
	if g.runs == nil {
		g.runs = map[string]*runState{}
	}
	if st, ok := g.runs[key]; ok {
		g.mu.Unlock()
		select {
		case <-st.done:
			return st.res, st.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	st := &runState{done: make(chan struct{})}
	g.runs[key] = st
	g.mu.Unlock()

	st.res, st.err = g.run(ctx, req)
	if st.err != nil {
		// failed runs stay cached too: the pending message was already
		// finalized and a retry must come in under a fresh key
		logger.Warn("generation_failed", "thread", req.ThreadID, "error", st.err)
	}
	close(st.done)
	return st.res, st.err
}

func (g *Generator) run(ctx context.Context, req Request) (Result, error) {
	if g.Limiter != nil {
		if err := g.Limiter.Check("generations:"+req.UserID, 1); err != nil {
			return Result{}, err
		}
	}

	var res Result
	if req.SavePrompt {
		pm, err := g.Store.CreateMessage(req.ThreadID, store.CreateMessageParams{
			Role:  models.RoleUser,
			Parts: models.TextParts(req.Prompt),
			Order: req.TurnOrder,
		})
		if err != nil {
			return Result{}, err
		}
		res.PromptMessageID = pm.ID
		if req.TurnOrder == nil {
			req.TurnOrder = &pm.Order
		}
	}

	ctxMsgs, err := g.Assembler.Assemble(ctx, req.ThreadID, req.UserID, req.Prompt, req.Context)
	if err != nil {
		return Result{}, err
	}

	msg, err := g.Store.CreateMessage(req.ThreadID, store.CreateMessageParams{
		Role:    models.RoleAssistant,
		Pending: true,
		Order:   req.TurnOrder,
	})
	if err != nil {
		return Result{}, err
	}

	tokenKey := "tokens:" + req.UserID
	if g.Limiter != nil && req.TokenEstimate > 0 {
		g.Limiter.Reserve(tokenKey, req.TokenEstimate)
	}

	if err := g.Stream.Open(msg.ID, !req.Ephemeral); err != nil {
		return Result{}, err
	}

	var (
		seq  int64
		text []byte
	)
	emit := func(fragment string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.Stream.Append(msg.ID, seq, fragment); err != nil {
			return err
		}
		seq++
		text = append(text, fragment...)
		return nil
	}

	out, genErr := g.Model.Generate(ctx, ctxMsgs, req.Prompt, emit)
	if ctx.Err() != nil && genErr == nil {
		genErr = ctx.Err()
	}
	if err := g.Stream.Finish(msg.ID); err != nil {
		logger.Error("stream_finish_failed", "message", msg.ID, "error", err)
	}

	if genErr != nil {
		// cancellation and upstream failure both land here; the message
		// must not stay pending
		failed, ferr := g.Store.FinalizeMessage(msg.ID, store.FinalizeOutcome{
			Status:    models.StatusFailed,
			ErrReason: genErr.Error(),
		})
		if ferr != nil {
			logger.Error("finalize_failed_message", "message", msg.ID, "error", ferr)
			return Result{}, genErr
		}
		res.Message = failed
		g.reconcile(tokenKey, req.TokenEstimate, nil)
		return res, genErr
	}

	parts := out.Parts
	if parts == nil {
		parts = models.TextParts(string(text))
	}
	embID := g.storeEmbedding(ctx, req.ThreadID, msg.ID, parts)
	final, err := g.Store.FinalizeMessage(msg.ID, store.FinalizeOutcome{
		Status:      models.StatusSuccess,
		Parts:       parts,
		Usage:       out.Usage,
		EmbeddingID: embID,
	})
	if err != nil {
		return Result{}, err
	}
	res.Message = final
	g.reconcile(tokenKey, req.TokenEstimate, out.Usage)
	return res, nil
}

func (g *Generator) reconcile(key string, estimate float64, usage *models.Usage) {
	if g.Limiter == nil || estimate <= 0 {
		return
	}
	actual := 0.0
	if usage != nil {
		actual = float64(usage.TotalTokens)
	}
	g.Limiter.Reconcile(key, estimate, actual)
}

func (g *Generator) storeEmbedding(ctx context.Context, threadID, messageID string, parts []models.Part) string {
	if g.Embedder == nil {
		return ""
	}
	text := (&models.Message{Parts: parts}).Text()
	if text == "" {
		return ""
	}
	vec, err := g.Embedder.Embed(ctx, text)
	if err != nil {
		logger.Warn("embedding_failed", "message", messageID, "error", err)
		return ""
	}
	if err := g.Store.PutEmbedding(store.Embedding{
		MessageID: messageID, ThreadID: threadID, Vector: vec,
	}); err != nil {
		logger.Warn("embedding_store_failed", "message", messageID, "error", err)
		return ""
	}
	return messageID
}
