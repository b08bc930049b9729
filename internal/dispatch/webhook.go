package dispatch

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/poduptrigger/poduptrigger/internal/domain"
	"github.com/poduptrigger/poduptrigger/internal/executor"
	"github.com/poduptrigger/poduptrigger/internal/imageref"
	"github.com/poduptrigger/poduptrigger/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1 MiB cap on the read body

// handleWebhook handles the route `/<prefix>/<slug>[/redeploy]`: verify the
// provider signature, resolve slug to a unit, rate-limit per image,
// consult the digest cache dedup, and dispatch a webhook task.
func (d *Dispatcher) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		d.fail(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Signature-256")
	}
	if !d.gate.VerifyWebhookSignature(body, sig) {
		if err := d.gate.WriteDebugPayload(body); err != nil {
			d.log.Warn("failed to write webhook debug payload", "error", err)
		}
		d.fail(w, r, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	payload, _ := webhook.Parse(body)
	image := ""
	if payload != nil {
		image = payload.Image
		if payload.Tag != "" {
			image += ":" + payload.Tag
		}
	}

	unit, found := d.resolveUnit(slug)
	if !found {
		d.fail(w, r, http.StatusNotFound, "unknown service slug")
		return
	}

	bucket := imageref.Bucket(image)
	if image == "" {
		bucket = "image:" + slug
	}
	now := d.clock.Now().Unix()
	decision, err := d.limiter.Allow(bucket, slug, now)
	if err != nil {
		d.log.Error("rate limiter check failed", "error", err)
		d.fail(w, r, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterS, 10))
		annotate(r, "", map[string]any{"window": decision.WindowHit, "retry_after_s": decision.RetryAfterS})
		respond(w, r, http.StatusTooManyRequests, map[string]any{
			"error":         "rate limited",
			"window":        decision.WindowHit,
			"retry_after_s": decision.RetryAfterS,
		})
		return
	}

	if image != "" && d.digestAlreadyDeployed(bucket, image) {
		task, err := d.engine.CreateTask(domain.KindWebhook, d.trigger(r, slug), []string{unit.Unit}, "webhook: digest already deployed, skipping", nil)
		if err != nil {
			d.fail(w, r, http.StatusInternalServerError, "failed to record skipped task")
			return
		}
		_ = d.engine.AppendLog(task.TaskID, domain.LevelInfo, domain.ActionWebhook, "skipped: image digest unchanged", unit.Unit, map[string]any{"image": image})
		_, _ = d.engine.Finish(task.TaskID, domain.StatusSkipped)
		annotate(r, task.TaskID, map[string]any{"skipped": true})
		respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID, "skipped": true})
		return
	}

	if acquired, err := d.lock.TryAcquire(bucket, now); err != nil {
		d.fail(w, r, http.StatusInternalServerError, "image lock unavailable")
		return
	} else if !acquired {
		d.fail(w, r, http.StatusConflict, "image lock already held")
		return
	}

	task, err := d.engine.CreateTask(domain.KindWebhook, d.trigger(r, slug), []string{unit.Unit}, "webhook redeploy", map[string]any{"image": image})
	if err != nil {
		_ = d.lock.Release(bucket)
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, nil)
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})

	spec := executor.UnitSpec{Unit: unit.Unit, Image: image}
	go func() {
		defer d.lock.Release(bucket)
		d.exec.RunUnitRefresh(context.Background(), task.TaskID, []executor.UnitSpec{spec})
	}()
}

// handleLegacyTrigger implements the legacy single-token trigger route
// (`/auto-update?token=...`), which runs the provider-native auto-update
// mechanism across every discovered unit rather than a single slug.
func (d *Dispatcher) handleLegacyTrigger(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || !d.gate.CheckAdmin(r) && token != d.rawCfg.LegacyToken {
		d.fail(w, r, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	now := d.clock.Now().Unix()
	decision, err := d.limiter.Allow(domain.ScopeAutoUpdateGlobal, "legacy", now)
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterS, 10))
		annotate(r, "", map[string]any{"window": decision.WindowHit})
		respond(w, r, http.StatusTooManyRequests, map[string]any{"error": "rate limited", "window": decision.WindowHit})
		return
	}

	task, err := d.engine.CreateTask(domain.KindScheduler, d.trigger(r, ""), nil, "legacy auto-update trigger", nil)
	if err != nil {
		d.fail(w, r, http.StatusInternalServerError, "failed to create task")
		return
	}
	annotate(r, task.TaskID, nil)
	respond(w, r, http.StatusAccepted, map[string]any{"task_id": task.TaskID})
	go d.exec.RunAutoUpdate(context.Background(), task.TaskID)
}

func (d *Dispatcher) trigger(r *http.Request, slug string) domain.Trigger {
	rc := requestContextFrom(r)
	reqID := ""
	if rc != nil {
		reqID = rc.requestID
	}
	return domain.Trigger{Source: "webhook", RequestID: reqID, Path: r.URL.Path, Caller: slug}
}

// digestAlreadyDeployed consults the advisory RegistryDigestCache for
// bucket; a cache miss or parse failure never blocks the redeploy — dedup
// is an optimisation, not a correctness requirement.
func (d *Dispatcher) digestAlreadyDeployed(bucket, image string) bool {
	entry, err := d.store.GetDigestCache(bucket)
	if err != nil || entry == nil {
		return false
	}
	_, tag := imageref.SplitTag(image)
	return tag != "" && entry.Digest == tag && entry.Status == "deployed"
}

