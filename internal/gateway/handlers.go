package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rustyonions/overlay/internal/admission"
	"github.com/rustyonions/overlay/internal/index"
	"github.com/rustyonions/overlay/internal/naming"
	"github.com/rustyonions/overlay/internal/storage"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleReadyz is truthful: 200 iff every required gate is up AND no
// admission trip hold is active.
func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	snap := g.ready.Snapshot()
	missing := g.ready.Missing()

	gateReady := true
	var retryAfter int64
	if g.gate != nil {
		ok, gateMissing, hold := g.gate.Ready()
		if !ok {
			gateReady = false
			missing = append(missing, gateMissing)
			retryAfter = int64(hold.Seconds()) + 1
		}
	}

	if snap.Ready && gateReady {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true, "gates": snap.Gates})
		return
	}
	if retryAfter <= 0 {
		retryAfter = 5
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"ready":       false,
		"missing":     missing,
		"retry_after": retryAfter,
	})
}

func (g *Gateway) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.cfg.Version)
}

func (g *Gateway) handleRegistryHead(w http.ResponseWriter, r *http.Request) {
	head, err := g.registry.Head()
	if err != nil {
		admission.WriteError(w, http.StatusNotFound, admission.CodeNotFound, "no head committed", 0)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// handlePut ingests a body and answers with the computed content id.
// Re-PUT of identical bytes is a no-op returning the same cid.
func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	res, err := g.store.Put(r.Context(), r.Body)
	if err != nil {
		g.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"cid":  res.CID,
		"len":  res.Len,
		"etag": res.ETag,
	})
}

// handleGet resolves addr (cid or name), then streams the object,
// honoring single-range requests with 206/Content-Range.
func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]

	cid, err := g.resolveAddr(r, addr)
	if err != nil {
		g.writeResolveError(w, err)
		return
	}

	head, err := g.store.Head(r.Context(), cid)
	if err != nil {
		g.writeStorageError(w, err)
		return
	}

	w.Header().Set("ETag", head.ETag)
	w.Header().Set("Cache-Control", immutableCacheControl)
	w.Header().Set("Vary", "Accept, Accept-Encoding")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(head.Len, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
		g.serveRange(w, r, cid, head.Len, rangeHdr)
		return
	}

	body, err := g.store.Get(r.Context(), cid)
	if err != nil {
		g.writeStorageError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(head.Len, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (g *Gateway) serveRange(w http.ResponseWriter, r *http.Request, cid naming.ContentID, total int64, rangeHdr string) {
	start, end, err := parseByteRange(rangeHdr, total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		admission.WriteError(w, http.StatusRequestedRangeNotSatisfiable, admission.CodeBadRequest, "unsatisfiable byte range", 0)
		return
	}

	body, _, err := g.store.GetRange(r.Context(), cid, start, end)
	if err != nil {
		g.writeStorageError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.Copy(w, body)
}

// handleAdminSeed persists a name→cid binding. The bearer token must
// equal the configured secret exactly.
func (g *Gateway) handleAdminSeed(w http.ResponseWriter, r *http.Request) {
	if g.cfg.SeedToken == "" || bearerToken(r) != g.cfg.SeedToken {
		admission.WriteError(w, http.StatusUnauthorized, admission.CodeUnauthorized, "missing or invalid admin token", 0)
		return
	}

	var req struct {
		Name string `json:"name"`
		CID  string `json:"cid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		admission.WriteError(w, http.StatusBadRequest, admission.CodeBadRequest, "malformed seed request", 0)
		return
	}

	name, cid, err := g.resolver.Seed(r.Context(), req.Name, req.CID)
	if err != nil {
		if errors.Is(err, naming.ErrBadContentID) || errors.Is(err, naming.ErrBadFQDN) {
			admission.WriteError(w, http.StatusBadRequest, admission.CodeBadRequest, "invalid name or cid", 0)
			return
		}
		admission.WriteError(w, http.StatusInternalServerError, admission.CodeInternal, "seed failed", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": string(name), "cid": string(cid)})
}

// resolveAddr turns a path address into a content id. A bare cid skips
// the resolver; names go through the full pipeline.
func (g *Gateway) resolveAddr(r *http.Request, addr string) (naming.ContentID, error) {
	if naming.IsContentID(addr) {
		return naming.ContentID(addr), nil
	}
	key := addr
	if !naming.IsName(key) {
		key = "name:" + key
	}
	fresh := r.URL.Query().Get("fresh") == "true"
	res, err := g.resolver.Resolve(r.Context(), key, fresh, 0)
	if err != nil {
		return "", err
	}
	return res.CID, nil
}

func (g *Gateway) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, index.ErrNameNotFound):
		admission.WriteError(w, http.StatusNotFound, admission.CodeNotFound, "unknown name", 0)
	case errors.Is(err, index.ErrBadKey), errors.Is(err, naming.ErrBadFQDN), errors.Is(err, naming.ErrBadContentID):
		admission.WriteError(w, http.StatusBadRequest, admission.CodeBadRequest, "malformed address", 0)
	default:
		admission.WriteError(w, http.StatusBadGateway, admission.CodeUpstreamUnavailable, "resolution failed", 0)
	}
}

func (g *Gateway) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		admission.WriteError(w, http.StatusNotFound, admission.CodeNotFound, "object not found", 0)
	case errors.Is(err, storage.ErrPayloadTooLarge):
		admission.WriteError(w, http.StatusRequestEntityTooLarge, admission.CodePayloadTooLarge, "object exceeds configured limit", 0)
	case errors.Is(err, storage.ErrRangeNotSatisfiable):
		admission.WriteError(w, http.StatusRequestedRangeNotSatisfiable, admission.CodeBadRequest, "unsatisfiable byte range", 0)
	case errors.Is(err, storage.ErrHashMismatch):
		admission.WriteError(w, http.StatusBadRequest, admission.CodeBadRequest, "content hash mismatch", 0)
	default:
		admission.WriteError(w, http.StatusInternalServerError, admission.CodeInternal, "storage failure", 0)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return h[len(prefix):]
	}
	return ""
}

// parseByteRange parses a single-range "bytes=a-b" header against a
// known total: "a-b", "a-" (to end), and "-n" (suffix) forms.
func parseByteRange(hdr string, total int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, fmt.Errorf("gateway: unsupported range unit")
	}
	spec := strings.TrimPrefix(hdr, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("gateway: multi-range not supported")
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, fmt.Errorf("gateway: malformed range")
	}
	left, right := spec[:dash], spec[dash+1:]

	switch {
	case left == "" && right != "": // suffix: last n bytes
		n, perr := strconv.ParseInt(right, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("gateway: malformed suffix range")
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, nil
	case left != "" && right == "": // open end
		s, perr := strconv.ParseInt(left, 10, 64)
		if perr != nil || s < 0 || s >= total {
			return 0, 0, fmt.Errorf("gateway: range start out of bounds")
		}
		return s, total - 1, nil
	case left != "" && right != "":
		s, perr := strconv.ParseInt(left, 10, 64)
		e, perr2 := strconv.ParseInt(right, 10, 64)
		if perr != nil || perr2 != nil || s < 0 || e < s || s >= total {
			return 0, 0, fmt.Errorf("gateway: range out of bounds")
		}
		if e >= total {
			e = total - 1
		}
		return s, e, nil
	default:
		return 0, 0, fmt.Errorf("gateway: malformed range")
	}
}
