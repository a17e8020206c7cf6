package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
)

type errorResponse struct {
	Error  string        `json:"error"`
	Status bridge.Status `json:"status"`
}

// httpStatus maps a target status code to an HTTP status code.
func httpStatus(s bridge.Status) int {
	switch s {
	case bridge.StatusSuccess:
		return http.StatusOK
	case bridge.StatusNotFound:
		return http.StatusNotFound
	case bridge.StatusUnsupportedAttribute, bridge.StatusUnsupportedCommand,
		bridge.StatusInvalidCommand, bridge.StatusConstraintError:
		return http.StatusBadRequest
	case bridge.StatusUnsupportedWrite:
		return http.StatusMethodNotAllowed
	case bridge.StatusTimeout:
		return http.StatusGatewayTimeout
	case bridge.StatusUnreachable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := bridge.StatusOf(err)
	if status == bridge.StatusFailure {
		s.logger.Error("api request failed", "err", err)
	}
	s.writeJSON(w, httpStatus(status), errorResponse{Error: err.Error(), Status: status})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.ctrl.Device(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type renameDeviceRequest struct {
	Label string `json:"label"`
}

// handleAPIRenameDevice sets the device's node label, which lives on its
// first target endpoint.
func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.ctrl.Device(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(dev.Endpoints) == 0 {
		s.writeError(w, fmt.Errorf("device %s has no endpoints: %w", dev.IEEEAddress, bridge.ErrNotFound))
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("rename request: %w: %v", bridge.ErrInvalidPayload, err))
		return
	}
	value, _ := json.Marshal(req.Label)

	op, err := s.ctrl.WriteAttribute(dev.Endpoints[0], datamodel.ClusterBridgedDeviceBasicInformation,
		attrNodeLabel, value, uuid.NewString())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.awaitOperation(w, r, op)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.ctrl.RemoveDevice(r.Context(), ieee); err != nil {
		s.logger.Warn("delete device", "err", err, "ieee", ieee)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListEndpoints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Endpoints())
}

// handleAPIGetEndpoint returns the endpoint descriptor.
func (s *Server) handleAPIGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := pathEndpoint(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.ctrl.Endpoint(ep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIEndpointAttributes(w http.ResponseWriter, r *http.Request) {
	ep, err := pathEndpoint(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	attrs, err := s.ctrl.EndpointAttributes(ep)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attrs)
}

func (s *Server) handleAPIReadAttribute(w http.ResponseWriter, r *http.Request) {
	ep, def, attr, err := s.attributePath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.ctrl.ReadAttribute(ep, def.ID, attr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type writeAttributeRequest struct {
	Value         json.RawMessage `json:"value"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// handleAPIWriteAttribute forwards a write and answers once the device has
// confirmed or rejected it.
func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	ep, def, attr, err := s.attributePath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req writeAttributeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		s.writeError(w, fmt.Errorf("write request needs a value: %w", bridge.ErrInvalidPayload))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	op, err := s.ctrl.WriteAttribute(ep, def.ID, attr, req.Value, req.CorrelationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.awaitOperation(w, r, op)
}

type invokeCommandRequest struct {
	Fields        json.RawMessage `json:"fields,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (s *Server) handleAPIInvokeCommand(w http.ResponseWriter, r *http.Request) {
	ep, err := pathEndpoint(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	def, err := s.pathCluster(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("command")
	cmd, ok := def.LookupCommand(name)
	if !ok {
		s.writeError(w, fmt.Errorf("%s command %q: %w", def.Name, name, bridge.ErrUnsupportedCommand))
		return
	}

	// An empty body invokes the command without fields.
	var req invokeCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, fmt.Errorf("invoke request: %w: %v", bridge.ErrInvalidPayload, err))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	op, err := s.ctrl.InvokeCommand(ep, def.ID, cmd, req.Fields, req.CorrelationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.awaitOperation(w, r, op)
}

// awaitOperation blocks until op resolves, then writes its result. The
// operation carries its own deadline, so this never outlives it.
func (s *Server) awaitOperation(w http.ResponseWriter, r *http.Request, op *bridge.Operation) {
	if err := op.Wait(r.Context()); err != nil && r.Context().Err() != nil {
		s.logger.Debug("client left before operation resolved", "op", op.ID)
		return
	}
	res := op.Result()
	s.writeJSON(w, httpStatus(res.Status), res)
}

func (s *Server) handleAPIListGaps(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Gaps())
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Schema().All())
}

type typeLabel struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
}

type typeInfo struct {
	Tag    string      `json:"tag"`
	Kind   string      `json:"kind"` // "enum" or "bitmap"
	Labels []typeLabel `json:"labels"`
}

// handleAPIListTypes lists the enumeration and bitmap tables values are
// encoded with, so clients know which labels a write accepts.
func (s *Server) handleAPIListTypes(w http.ResponseWriter, r *http.Request) {
	tags := codec.Tags()
	out := make([]typeInfo, 0, len(tags))
	for _, tag := range tags {
		var info typeInfo
		var labels []codec.Label
		if t, ok := codec.Enum(tag); ok {
			info, labels = typeInfo{Tag: tag, Kind: "enum"}, t.Entries()
		} else if t, ok := codec.Bitmap(tag); ok {
			info, labels = typeInfo{Tag: tag, Kind: "bitmap"}, t.Flags()
		} else {
			continue
		}
		info.Labels = make([]typeLabel, len(labels))
		for i, l := range labels {
			info.Labels[i] = typeLabel{Name: l.Name, Value: l.Value}
		}
		out = append(out, info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

const attrNodeLabel uint32 = 0x0005

func pathEndpoint(r *http.Request) (bridge.EndpointID, error) {
	raw := r.PathValue("ep")
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("endpoint %q: %w", raw, bridge.ErrNotFound)
	}
	return bridge.EndpointID(n), nil
}

func (s *Server) pathCluster(r *http.Request) (*datamodel.ClusterDef, error) {
	name := r.PathValue("cluster")
	def := s.ctrl.Schema().Lookup(name)
	if def == nil {
		return nil, fmt.Errorf("cluster %q: %w", name, bridge.ErrNotFound)
	}
	return def, nil
}

// attributePath resolves the {ep}/{cluster}/{attr} path segments.
func (s *Server) attributePath(r *http.Request) (bridge.EndpointID, *datamodel.ClusterDef, uint32, error) {
	ep, err := pathEndpoint(r)
	if err != nil {
		return 0, nil, 0, err
	}
	def, err := s.pathCluster(r)
	if err != nil {
		return 0, nil, 0, err
	}
	name := r.PathValue("attr")
	attr, ok := def.LookupAttribute(name)
	if !ok {
		return 0, nil, 0, fmt.Errorf("%s attribute %q: %w", def.Name, name, bridge.ErrUnsupportedAttribute)
	}
	return ep, def, attr, nil
}
