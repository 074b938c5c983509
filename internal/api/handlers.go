package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kadnode/internal/dht"
	derrors "github.com/shizukutanaka/kadnode/internal/errors"
	"github.com/shizukutanaka/kadnode/internal/kademlia"
	"github.com/shizukutanaka/kadnode/internal/wire"
)

type valueResponse struct {
	Key    string           `json:"key"`
	Value  []byte           `json:"value"`
	Source kademlia.Contact `json:"source"`
	Hops   int              `json:"hops"`
}

type putResponse struct {
	Key      string `json:"key"`
	Replicas int    `json:"replicas"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.node.Status()
	if !status.Running {
		s.sendError(w, http.StatusServiceUnavailable, "node not running")
		return
	}
	s.sendData(w, map[string]interface{}{
		"status":   "ok",
		"contacts": status.Contacts,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.node.Status())
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.node.Buckets())
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.node.Contacts())
}

func (s *Server) handleLookupNode(w http.ResponseWriter, r *http.Request) {
	id, err := kademlia.FromHex(mux.Vars(r)["id"], kademlia.NamespaceNode)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "id must be 40 hex characters")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LookupTimeout)
	defer cancel()

	result, err := s.node.FindNode(ctx, id)
	if err != nil {
		s.sendFailure(w, "lookup", err)
		return
	}
	s.sendData(w, result)
}

func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["key"]
	key := dht.KeyFromString(name)

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LookupTimeout)
	defer cancel()

	value, result, err := s.node.Get(ctx, key)
	if err != nil {
		s.sendFailure(w, "get", err)
		return
	}
	s.sendData(w, valueResponse{
		Key:    key.String(),
		Value:  value,
		Source: result.Source,
		Hops:   result.Hops,
	})
}

func (s *Server) handlePutValue(w http.ResponseWriter, r *http.Request) {
	key := dht.KeyFromString(mux.Vars(r)["key"])

	value, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxValueSize+1))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(value) == 0 || len(value) > wire.MaxValueSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, "value must be between 1 and 32768 bytes")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LookupTimeout)
	defer cancel()

	replicas, err := s.node.Put(ctx, key, value)
	if err != nil {
		s.sendFailure(w, "put", err)
		return
	}
	s.sendData(w, putResponse{Key: key.String(), Replicas: replicas})
}

// sendFailure maps an error kind to a status code.
func (s *Server) sendFailure(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch derrors.KindOf(err) {
	case derrors.KindMalformed:
		status = http.StatusBadRequest
	case derrors.KindNotFound:
		status = http.StatusNotFound
	case derrors.KindTransient, derrors.KindCanceled:
		status = http.StatusGatewayTimeout
	case derrors.KindFatal:
		status = http.StatusServiceUnavailable
	}
	if derrors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("API operation failed", zap.String("op", op), zap.Error(err))
	}
	s.sendError(w, status, err.Error())
}
