// Package coach routes coaching requests to a tiered model backend, caches
// accepted answers and falls back to deterministic templates when the model
// cannot produce a valid answer.
package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/felixmachan/stravaFetch/internal/cache"
	"github.com/felixmachan/stravaFetch/internal/coacherr"
	"github.com/felixmachan/stravaFetch/internal/llm"
	"github.com/felixmachan/stravaFetch/internal/model"
)

// Artifact sources.
const (
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Interaction statuses.
const (
	StatusSuccess  = "success"
	StatusFallback = "fallback"
)

// ModelSource tags an answer produced by the given tier.
func ModelSource(t Tier) string {
	return "model:" + string(t)
}

// ModelCaller is the model backend.
type ModelCaller interface {
	Complete(ctx context.Context, r llm.Request) (*llm.Response, error)
}

// InteractionLog records one entry per pipeline run.
type InteractionLog interface {
	Append(ctx context.Context, i *model.AIInteraction) error
}

// Request is one coaching call.
type Request struct {
	Feature string
	UserID  int64
	// CacheKey addresses the accepted answer. Empty disables caching.
	CacheKey      string
	System        string
	User          string
	Schema        *Schema
	RiskFlags     []string
	LowConfidence bool
	Temperature   float64
	// Fallback renders the deterministic answer. For schema requests it
	// must return JSON that satisfies the schema.
	Fallback    func() string
	ContextHash string
	Params      map[string]any
}

// Result is the pipeline's answer. It is never an error.
type Result struct {
	Text   string
	Source string
	Tier   Tier
	Model  string
	Status string
	Usage  llm.Usage
	Err    error
}

type cachedAnswer struct {
	Text  string `json:"text"`
	Tier  Tier   `json:"tier"`
	Model string `json:"model"`
}

type Pipeline struct {
	caller  ModelCaller
	cache   cache.Cache
	ilog    InteractionLog
	models  Models
	ttl     time.Duration
	timeout time.Duration
	log     logrus.FieldLogger
	group   singleflight.Group
}

// Options configures a Pipeline.
type Options struct {
	Models      Models
	CacheTTL    time.Duration
	CallTimeout time.Duration
}

func NewPipeline(caller ModelCaller, c cache.Cache, ilog InteractionLog, opts Options, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		caller:  caller,
		cache:   c,
		ilog:    ilog,
		models:  opts.Models,
		ttl:     opts.CacheTTL,
		timeout: opts.CallTimeout,
		log:     log,
	}
}

// RepairPrompt wraps the original input when asking the model to fix a
// schema violation.
func RepairPrompt(user string) string {
	return "Fix schema exactly. Keep concise. Original input: " + user
}

// Run executes the request and logs exactly one interaction. Concurrent
// runs for the same cache key share one model call; the caller that did not
// make it sees the answer as a cache hit.
func (p *Pipeline) Run(ctx context.Context, req Request) Result {
	if req.CacheKey == "" {
		res := p.execute(ctx, req)
		p.record(ctx, req, res)
		return res
	}

	led := false
	v, _, _ := p.group.Do(req.CacheKey, func() (any, error) {
		led = true
		if res, ok := p.lookup(ctx, req); ok {
			return res, nil
		}
		res := p.execute(ctx, req)
		if res.Status == StatusSuccess {
			res = p.store(ctx, req, res)
		}
		return res, nil
	})
	res := v.(Result)
	if !led {
		// Only the leader called the model.
		res.Usage = llm.Usage{}
		if res.Status == StatusSuccess {
			res = Result{Text: res.Text, Source: SourceCache, Tier: res.Tier, Model: res.Model, Status: StatusSuccess}
		}
	}
	p.record(ctx, req, res)
	return res
}

func (p *Pipeline) lookup(ctx context.Context, req Request) (Result, bool) {
	var ans cachedAnswer
	hit, err := p.cache.GetJSON(ctx, req.CacheKey, &ans)
	if err != nil {
		p.log.WithError(err).WithField("cache_key", req.CacheKey).Warn("reading cached answer")
		return Result{}, false
	}
	if !hit {
		return Result{}, false
	}
	return Result{Text: ans.Text, Source: SourceCache, Tier: ans.Tier, Model: ans.Model, Status: StatusSuccess}, true
}

// store adds the answer unless another writer got there first, in which case
// the stored answer wins so every reader sees the same value.
func (p *Pipeline) store(ctx context.Context, req Request, res Result) Result {
	added, err := p.cache.AddJSON(ctx, req.CacheKey, cachedAnswer{Text: res.Text, Tier: res.Tier, Model: res.Model}, p.ttl)
	if err != nil {
		p.log.WithError(err).WithField("cache_key", req.CacheKey).Warn("caching answer")
		return res
	}
	if added {
		return res
	}
	if stored, ok := p.lookup(ctx, req); ok {
		stored.Usage = res.Usage
		return stored
	}
	return res
}

type attempt struct {
	tier  Tier
	model string
	usage llm.Usage
}

// call makes one model request with a single transport-level retry.
func (p *Pipeline) call(ctx context.Context, at *attempt, req Request, input string) (string, error) {
	lr := llm.Request{
		Model:        at.model,
		Instructions: req.System,
		Input:        input,
		Temperature:  req.Temperature,
	}
	if req.Schema != nil {
		lr.SchemaName = req.Schema.Name
		lr.Schema = req.Schema.Raw
	}

	var resp *llm.Response
	var err error
	for try := 0; try < 2; try++ {
		resp, err = p.caller.Complete(ctx, lr)
		if err == nil {
			break
		}
		if !coacherr.IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
		p.log.WithError(err).WithFields(logrus.Fields{"feature": req.Feature, "model": at.model}).Warn("retrying model call")
	}
	if err != nil {
		return "", err
	}
	at.usage.InputTokens += resp.Usage.InputTokens
	at.usage.OutputTokens += resp.Usage.OutputTokens
	if resp.Model != "" {
		at.model = resp.Model
	}
	return resp.Text, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request) Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	route := RouteFor(req.Feature, req.LowConfidence, req.RiskFlags)
	at := &attempt{tier: route.Tier, model: p.models.For(route.Tier)}
	var usage llm.Usage
	accept := func(text string) Result {
		return Result{Text: text, Source: ModelSource(at.tier), Tier: at.tier, Model: at.model, Status: StatusSuccess, Usage: usage}
	}
	collect := func() {
		usage.InputTokens += at.usage.InputTokens
		usage.OutputTokens += at.usage.OutputTokens
		at.usage = llm.Usage{}
	}

	text, err := p.call(ctx, at, req, req.User)
	collect()
	if err != nil {
		return p.fallback(req, at, usage, err)
	}

	if req.Schema == nil {
		if strings.TrimSpace(text) == "" {
			return p.fallback(req, at, usage, errors.New("empty answer"))
		}
		return accept(text)
	}

	valid, verr := req.Schema.Validate(text)
	if verr == nil {
		return accept(valid)
	}

	text, err = p.call(ctx, at, req, RepairPrompt(req.User))
	collect()
	if err == nil {
		if valid, verr = req.Schema.Validate(text); verr == nil {
			return accept(valid)
		}
	} else {
		verr = err
	}

	// Two failed answers mean low confidence; escalate only with a severe flag.
	if route.AllowEscalation && ctx.Err() == nil {
		at = &attempt{tier: TierTop, model: p.models.For(TierTop)}
		text, err = p.call(ctx, at, req, req.User)
		collect()
		if err == nil {
			if valid, verr = req.Schema.Validate(text); verr == nil {
				return accept(valid)
			}
		} else {
			verr = err
		}
	}
	return p.fallback(req, at, usage, verr)
}

func (p *Pipeline) fallback(req Request, at *attempt, usage llm.Usage, cause error) Result {
	p.log.WithError(cause).WithFields(logrus.Fields{
		"feature": req.Feature,
		"model":   at.model,
		"code":    coacherr.CodeOf(cause),
	}).Warn("using fallback answer")
	text := ""
	if req.Fallback != nil {
		text = req.Fallback()
	}
	return Result{Text: text, Source: SourceFallback, Tier: at.tier, Model: at.model, Status: StatusFallback, Usage: usage, Err: cause}
}

func (p *Pipeline) record(ctx context.Context, req Request, res Result) {
	if p.ilog == nil {
		return
	}
	params, err := model.JSONB(req.Params)
	if err != nil {
		p.log.WithError(err).Warn("encoding request params")
		params, _ = model.JSONB(nil)
	}
	i := &model.AIInteraction{
		UserID:        req.UserID,
		Mode:          req.Feature,
		Model:         res.Model,
		Source:        res.Source,
		Status:        res.Status,
		CacheKey:      req.CacheKey,
		CacheHit:      res.Source == SourceCache,
		PromptSystem:  req.System,
		PromptUser:    req.User,
		ResponseText:  res.Text,
		TokensInput:   res.Usage.InputTokens,
		TokensOutput:  res.Usage.OutputTokens,
		ContextHash:   req.ContextHash,
		RequestParams: params,
	}
	if res.Err != nil {
		i.ErrorMessage = truncate(res.Err.Error(), 300)
	}
	// The log outlives a cancelled request.
	if err := p.ilog.Append(context.WithoutCancel(ctx), i); err != nil {
		p.log.WithError(err).WithField("feature", req.Feature).Error("writing ai interaction")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// String implements fmt.Stringer for log fields.
func (r Result) String() string {
	return fmt.Sprintf("%s via %s (%s)", r.Status, r.Source, r.Model)
}
