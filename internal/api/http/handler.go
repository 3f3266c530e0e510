package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/collection"
	"github.com/cachedb/cachedb/internal/db"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/query"
	"github.com/cachedb/cachedb/internal/snapshot"
	"github.com/cachedb/cachedb/pkg/types"
)

// maxBodySize bounds request bodies.
const maxBodySize = 32 << 20

// Handler serves the inspection API of one database.
type Handler struct {
	db        *db.DB
	snapshots *snapshot.Manager
	logger    zerolog.Logger
}

// NewHandler creates a handler. snapshots may be nil, which disables the
// snapshot routes.
func NewHandler(d *db.DB, snapshots *snapshot.Manager, logger zerolog.Logger) *Handler {
	return &Handler{db: d, snapshots: snapshots, logger: logger.With().Str("component", "http").Logger()}
}

// Routes returns the API wrapped in DefaultMiddleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /v1/collections", h.listCollections)
	mux.HandleFunc("POST /v1/collections/{name}/records", h.putRecords)
	mux.HandleFunc("GET /v1/collections/{name}/records/{id}", h.getRecord)
	mux.HandleFunc("DELETE /v1/collections/{name}/records/{id}", h.deleteRecord)
	mux.HandleFunc("POST /v1/collections/{name}/query", h.runQuery)
	if h.snapshots != nil {
		mux.HandleFunc("GET /v1/collections/{name}/snapshots", h.listSnapshots)
		mux.HandleFunc("POST /v1/collections/{name}/snapshots", h.exportSnapshot)
	}
	return DefaultMiddleware(h.logger)(mux)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.db.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names := h.db.Names()
	out := make([]*types.Schema, 0, len(names))
	for _, name := range names {
		c, err := h.db.Collection(name)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		out = append(out, c.Schema())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"collections": out})
}

func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (*collection.Collection, bool) {
	c, err := h.db.Collection(r.PathValue("name"))
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return c, true
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeFailure(w, r, cerrors.NewValidationError(cerrors.CodeInvalidID,
			fmt.Sprintf("record id must be a positive integer, got %q", r.PathValue("id"))))
		return 0, false
	}
	return id, true
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := c.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if rec == nil {
		writeFailure(w, r, cerrors.NewStorageError(cerrors.CodeObjectNotFound,
			fmt.Sprintf("%s has no record %d", c.Name(), id), nil))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	deleted, err := c.Delete(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": deleted})
}

// PutResult reports one stored record.
type PutResult struct {
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// putRecords stores a JSON object or an array of objects. With ?index=
// each record replaces the one sharing its key in that unique index.
func (h *Handler) putRecords(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return
	}
	indexName := r.URL.Query().Get("index")

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.putBatch(w, r, c, indexName, trimmed)
		return
	}

	rec, err := types.RecordFromJSON(c.Schema(), trimmed)
	if err != nil {
		writeFailure(w, r, asValidation(err))
		return
	}
	id, err := put(r, c, indexName, rec)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PutResult{ID: id})
}

func (h *Handler) putBatch(w http.ResponseWriter, r *http.Request, c *collection.Collection, indexName string, body []byte) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return
	}
	// Elements that fail to decode get their own result; the rest are stored.
	results := make([]PutResult, len(raws))
	recs := make([]*types.Record, 0, len(raws))
	slots := make([]int, 0, len(raws))
	for i, raw := range raws {
		rec, err := types.RecordFromJSON(c.Schema(), raw)
		if err != nil {
			results[i] = putResult(0, asValidation(fmt.Errorf("record %d: %w", i, err)))
			continue
		}
		recs = append(recs, rec)
		slots = append(slots, i)
	}

	if indexName == "" {
		for j, o := range c.PutAll(r.Context(), recs) {
			results[slots[j]] = putResult(o.ID, o.Err)
		}
	} else {
		for j, rec := range recs {
			results[slots[j]] = putResult(put(r, c, indexName, rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func put(r *http.Request, c *collection.Collection, indexName string, rec *types.Record) (int64, error) {
	if indexName != "" {
		return c.PutByIndex(r.Context(), indexName, rec)
	}
	return c.Put(r.Context(), rec)
}

func putResult(id int64, err error) PutResult {
	if err != nil {
		return PutResult{Error: err.Error(), Code: cerrors.GetCode(err)}
	}
	return PutResult{ID: id}
}

// asValidation reports malformed record JSON as a validation failure.
func asValidation(err error) error {
	if cerrors.GetCategory(err) != "" {
		return err
	}
	return cerrors.Wrap(cerrors.ErrCategoryValidation, cerrors.CodeTypeMismatch, "invalid record", err)
}

// QueryResponse is the body of a successful query.
type QueryResponse struct {
	Records   []*types.Record `json:"records,omitempty"`
	Values    []types.Value   `json:"values,omitempty"`
	Count     int             `json:"count"`
	TookMs    int64           `json:"took_ms"`
	RequestID string          `json:"request_id"`
}

// runQuery runs a JSON query. ?op=count counts the matches, ?op=delete
// removes them and a spec with "property" returns one field per match.
func (h *Handler) runQuery(w http.ResponseWriter, r *http.Request) {
	c, ok := h.collection(w, r)
	if !ok {
		return
	}
	requestID := GetRequestID(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	spec, err := query.ParseSpec(body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	q, err := spec.Build(c, h.db.QueryOptions()...)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	start := time.Now()
	resp := QueryResponse{RequestID: requestID}
	switch op := r.URL.Query().Get("op"); {
	case op == "count":
		resp.Count, err = q.Count(r.Context())
	case op == "delete":
		resp.Count, err = q.DeleteAll(r.Context())
	case op != "" && op != "find":
		writeFailure(w, r, cerrors.NewQueryError(cerrors.CodeInvalidQuery, fmt.Sprintf("unknown op %q", op)))
		return
	case spec.Property != "":
		resp.Values, err = q.Property(r.Context(), spec.Property)
		resp.Count = len(resp.Values)
	default:
		resp.Records, err = q.FindAll(r.Context())
		resp.Count = len(resp.Records)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	resp.TookMs = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.db.Collection(name); err != nil {
		writeFailure(w, r, err)
		return
	}
	objects, err := h.snapshots.List(r.Context(), name)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": objects})
}

func (h *Handler) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.snapshots.Export(r.Context(), r.PathValue("name"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}
