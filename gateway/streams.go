package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/report"
	"github.com/c360/counterstream/service"
	"github.com/c360/counterstream/stream"
)

// openStreamRequest is the POST /api/v1/streams body. Streams opened over
// the gateway run privileged; the gateway itself is the trust boundary.
type openStreamRequest struct {
	Group         string `json:"group"`
	Format        uint32 `json:"format"`
	Periodic      bool   `json:"periodic"`
	Exponent      int    `json:"exponent"`
	FilterEnabled bool   `json:"filter_enabled"`
	FilterCtx     uint32 `json:"filter_ctx"`
	SetID         int    `json:"set_id"`
	Threshold     int    `json:"threshold"`
	BufferSize    uint32 `json:"buffer_size"`
	Enable        bool   `json:"enable"`
}

func (g *Gateway) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	var req openStreamRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "handleOpenStream", "decode request body"))
		return
	}

	st, err := g.svc.OpenStream(r.Context(), stream.Params{
		Group:         hw.GroupID(req.Group),
		Format:        report.FormatID(req.Format),
		Periodic:      req.Periodic,
		Exponent:      req.Exponent,
		FilterEnabled: req.FilterEnabled,
		FilterCtx:     req.FilterCtx,
		SetID:         req.SetID,
		Threshold:     req.Threshold,
		BufferSize:    req.BufferSize,
		Privileged:    true,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	if req.Enable {
		if err := st.Enable(r.Context()); err != nil {
			g.logger.Warn("enable after open failed", "stream", st.ID(), "error", err)
			if cerr := g.svc.CloseStream(r.Context(), st.ID()); cerr != nil {
				g.logger.Warn("close after failed enable", "stream", st.ID(), "error", cerr)
			}
			g.writeError(w, err)
			return
		}
	}

	g.writeJSON(w, http.StatusCreated, service.StreamInfo{
		ID:     st.ID(),
		Group:  string(st.GroupID()),
		State:  st.State().String(),
		Format: st.Format().Name,
		SetID:  st.SetID(),
	})
}

func (g *Gateway) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "handleCloseStream", "parse stream id"))
		return
	}
	if err := g.svc.CloseStream(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"closed": id})
}

func (g *Gateway) handleEnableStream(w http.ResponseWriter, r *http.Request) {
	g.setStreamState(w, r, true)
}

func (g *Gateway) handleDisableStream(w http.ResponseWriter, r *http.Request) {
	g.setStreamState(w, r, false)
}

func (g *Gateway) setStreamState(w http.ResponseWriter, r *http.Request, enable bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "setStreamState", "parse stream id"))
		return
	}

	st, ok := g.svc.Stream(id)
	if !ok {
		g.writeJSON(w, http.StatusNotFound,
			map[string]any{"error": "stream not found", "status": http.StatusNotFound})
		return
	}

	if enable {
		err = st.Enable(r.Context())
	} else {
		err = st.Disable(r.Context())
	}
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": st.State().String()})
}
