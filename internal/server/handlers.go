package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loadstub/gateway/internal/audit"
	"github.com/loadstub/gateway/internal/auth"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
	"github.com/loadstub/gateway/internal/router"
	"github.com/loadstub/gateway/internal/validation"
)

// deployRequest is the deploy body: kind-typed metadata plus an optional
// code artifact (spec §6: "body: kind-typed metadata + optional code").
type deployRequest struct {
	domain.FunctionMetadata
	Artifact *domain.CodeArtifact `json:"artifact,omitempty"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) error {
	body := map[string]any{"status": "ok", "service": "gateway"}
	if a.deps.Loader != nil {
		body["loader"] = a.deps.Loader.Health(r.Context())
	}
	return writeJSON(w, http.StatusOK, body)
}

func (a *api) deploy(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, validation.MaxDeployBodyBytes+1))
	if err != nil {
		a.recordAudit(r, audit.ActionDeploy, "", false, map[string]any{"error": err.Error()})
		return errs.Wrap(errs.KindValidation, "failed to read deploy body", err)
	}

	var req deployRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.recordAudit(r, audit.ActionDeploy, req.ID, false, map[string]any{"error": err.Error()})
		return errs.Wrap(errs.KindValidation, "malformed deploy body", err)
	}
	meta := &req.FunctionMetadata

	if res := validation.ValidateDeploySafe(meta, int64(len(body))); !res.IsOK() {
		a.recordAudit(r, audit.ActionDeploy, meta.ID, false, map[string]any{"error": res.Err.Error()})
		return res.Err
	}

	now := time.Now().UTC()
	meta.CreatedAt = now
	meta.UpdatedAt = now

	if err := a.deps.Registry.SaveMetadata(r.Context(), meta); err != nil {
		a.recordAudit(r, audit.ActionDeploy, meta.ID, false, map[string]any{"error": err.Error()})
		return errs.Wrap(errs.KindInvocation, "failed to save function metadata", err)
	}

	if meta.Kind == domain.KindCode && req.Artifact != nil {
		if err := a.deps.CodeStore.SaveCode(r.Context(), meta.ID, meta.Version, req.Artifact); err != nil {
			a.recordAudit(r, audit.ActionDeploy, meta.ID, false, map[string]any{"error": err.Error()})
			return errs.Wrap(errs.KindInvocation, "failed to save code artifact", err)
		}
	}

	a.invalidateCache(r, meta.ID)
	a.recordAudit(r, audit.ActionDeploy, meta.ID, true, map[string]any{"version": meta.Version, "kind": string(meta.Kind)})
	return writeJSON(w, http.StatusCreated, meta)
}

// invalidateCache broadcasts eviction of id's cached latest pointer to every
// other instance, so a deploy/update/delete on this instance doesn't leave
// another instance serving a stale FunctionStub out of its L1 cache until
// TTL expiry. A no-op when cross-instance invalidation isn't wired up
// (single-instance or no-Redis deployments).
func (a *api) invalidateCache(r *http.Request, id string) {
	if a.deps.Invalidator == nil || a.deps.Loader == nil {
		return
	}
	_ = a.deps.Invalidator.PublishInvalidation(r.Context(), a.deps.Loader.LatestCacheKey(id))
}

func (a *api) list(w http.ResponseWriter, r *http.Request) error {
	metas, err := a.deps.Registry.ListMetadata(r.Context())
	if err != nil {
		return errs.Wrap(errs.KindInvocation, "failed to list functions", err)
	}
	return writeJSON(w, http.StatusOK, map[string]any{"functions": metas})
}

func (a *api) info(w http.ResponseWriter, r *http.Request) error {
	id := router.Params(r)["id"]
	meta, err := a.deps.Registry.GetMetadata(r.Context(), id)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, "function not found", err).WithContext("function_id", id)
	}
	return writeJSON(w, http.StatusOK, meta)
}

// mutableUpdate is the set of fields a PATCH may change; kind-specific specs
// and (id, version) are immutable once deployed (spec §2).
type mutableUpdate struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

func (a *api) update(w http.ResponseWriter, r *http.Request) error {
	id := router.Params(r)["id"]
	meta, err := a.deps.Registry.GetMetadata(r.Context(), id)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, "function not found", err).WithContext("function_id", id)
	}

	var patch mutableUpdate
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		return errs.Wrap(errs.KindValidation, "malformed update body", err)
	}
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	if patch.Description != nil {
		meta.Description = *patch.Description
	}
	if patch.Tags != nil {
		meta.Tags = patch.Tags
	}
	meta.UpdatedAt = time.Now().UTC()

	if err := a.deps.Registry.SaveMetadata(r.Context(), meta); err != nil {
		return errs.Wrap(errs.KindInvocation, "failed to save updated metadata", err)
	}
	a.invalidateCache(r, id)
	a.recordAudit(r, audit.ActionUpdate, id, true, nil)
	return writeJSON(w, http.StatusOK, meta)
}

func (a *api) delete(w http.ResponseWriter, r *http.Request) error {
	id := router.Params(r)["id"]
	if err := a.deps.Registry.DeleteMetadata(r.Context(), id); err != nil {
		a.recordAudit(r, audit.ActionDelete, id, false, map[string]any{"error": err.Error()})
		return errs.Wrap(errs.KindNotFound, "function not found", err).WithContext("function_id", id)
	}
	_ = a.deps.CodeStore.DeleteCode(r.Context(), id) // no-op for non-code functions
	a.invalidateCache(r, id)
	a.recordAudit(r, audit.ActionDelete, id, true, nil)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *api) invoke(w http.ResponseWriter, r *http.Request) error {
	id := router.Params(r)["id"]

	var input json.RawMessage
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return errs.Wrap(errs.KindValidation, "failed to read invoke body", err)
		}
		if len(body) > 0 {
			input = body
		}
	}

	result, meta, err := a.deps.Dispatcher.Dispatch(r.Context(), id, input)
	if err != nil {
		return err
	}
	return writeInvokeResult(w, result, meta)
}

// logs is an explicit external collaborator per spec §6 ("Stream logs
// (external collaborator)"): no log storage/streaming lives in this
// package, so an unbound request reports a missing binding rather than
// synthesizing a fake log stream.
func (a *api) logs(w http.ResponseWriter, r *http.Request) error {
	return errs.New(errs.KindServiceUnavailable, "log streaming is not configured").
		WithCode("missing-binding").WithContext("function_id", router.Params(r)["id"])
}

func (a *api) authValidate(w http.ResponseWriter, r *http.Request) error {
	id := auth.GetIdentity(r.Context())
	return writeJSON(w, http.StatusOK, map[string]any{
		"valid":   id != nil,
		"subject": subjectOf(id),
	})
}

func (a *api) authMe(w http.ResponseWriter, r *http.Request) error {
	id := auth.GetIdentity(r.Context())
	if id == nil {
		return errs.New(errs.KindAuthentication, "no identity resolved")
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"subject": id.Subject,
		"keyHint": id.KeyHint,
		"tier":    id.Tier,
		"scopes":  id.Scopes,
		"claims":  id.Claims,
	})
}

func (a *api) authOrgs(w http.ResponseWriter, r *http.Request) error {
	id := auth.GetIdentity(r.Context())
	var orgs any
	if id != nil && id.Claims != nil {
		orgs = id.Claims["orgs"]
	}
	return writeJSON(w, http.StatusOK, map[string]any{"orgs": orgs})
}

func subjectOf(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Subject
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// writeInvokeResult writes result.Body with meta merged in under "_meta"
// (spec §6: "JSON body with domain fields plus _meta on invocations").
func writeInvokeResult(w http.ResponseWriter, result *domain.TierResult, meta *domain.Meta) error {
	body := result.Body
	if meta != nil {
		if merged, err := mergeMeta(body, meta); err == nil {
			body = merged
		}
	}

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

func mergeMeta(body json.RawMessage, meta *domain.Meta) (json.RawMessage, error) {
	var asMap map[string]json.RawMessage
	if len(body) == 0 {
		asMap = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(body, &asMap); err != nil {
		return body, err // not a JSON object; leave untouched
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return body, err
	}
	asMap["_meta"] = metaBytes
	return json.Marshal(asMap)
}

func (a *api) recordAudit(r *http.Request, action audit.Action, resource string, success bool, details map[string]any) {
	if a.deps.Audit == nil {
		return
	}
	userID := "anonymous"
	if id := auth.GetIdentity(r.Context()); id != nil {
		userID = id.Subject
	}
	status := audit.StatusFailure
	if success {
		status = audit.StatusSuccess
	}
	a.deps.Audit.Record(r.Context(), audit.Event{
		UserID:   userID,
		Action:   action,
		Resource: resource,
		Status:   status,
		Details:  details,
		IP:       clientIP(r),
	})
}

// clientIP mirrors internal/ratelimit's header precedence (CF-Connecting-IP,
// X-Forwarded-For, X-Real-IP, RemoteAddr) for the audit trail's ip field.
func clientIP(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return strings.TrimSpace(cf)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
}
