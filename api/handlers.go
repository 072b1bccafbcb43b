package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decodeBody reads and decodes a JSON request body.
func decodeBody(r *http.Request, out any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.WrapInvalid(err, "api", "decodeBody", "read body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(errors.ErrConfigParse, "api", "decodeBody", err.Error())
	}
	return nil
}

// sourceRequest is the create-source DTO: typed component fields plus the
// flattened connector payload.
type sourceRequest struct {
	config.SourceConfig
}

// UnmarshalJSON splits known fields from the connector payload, mirroring
// the YAML configuration shape.
func (req *sourceRequest) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, out any) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		delete(m, key)
		return json.Unmarshal(raw, out)
	}
	if err := take("id", &req.ID); err != nil {
		return err
	}
	if err := take("kind", &req.Kind); err != nil {
		return err
	}
	if err := take("auto_start", &req.AutoStart); err != nil {
		return err
	}
	if len(m) > 0 {
		rest, err := json.Marshal(m)
		if err != nil {
			return err
		}
		req.Properties = rest
	}
	return nil
}

// reactionRequest is the create-reaction DTO.
type reactionRequest struct {
	config.ReactionConfig
}

// UnmarshalJSON splits known fields from the connector payload.
func (req *reactionRequest) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, out any) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		delete(m, key)
		return json.Unmarshal(raw, out)
	}
	if err := take("id", &req.ID); err != nil {
		return err
	}
	if err := take("kind", &req.Kind); err != nil {
		return err
	}
	if err := take("auto_start", &req.AutoStart); err != nil {
		return err
	}
	if err := take("queries", &req.Queries); err != nil {
		return err
	}
	if err := take("priority_queue_capacity", &req.PriorityQueueCapacity); err != nil {
		return err
	}
	if len(m) > 0 {
		rest, err := json.Marshal(m)
		if err != nil {
			return err
		}
		req.Properties = rest
	}
	return nil
}

// Sources

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.opts.Engine.ListSources())
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.CreateSource(req.SourceConfig)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, status)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Engine.GetSource(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.DeleteSource(r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStartSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StartSource(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetSource(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleStopSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StopSource(id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetSource(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

// Queries

func (s *Server) handleListQueries(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.opts.Engine.ListQueries())
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var req config.QueryConfig
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.CreateQuery(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, status)
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Engine.GetQuery(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.DeleteQuery(r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStartQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StartQuery(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetQuery(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleStopQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StopQuery(id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetQuery(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleQueryResults(w http.ResponseWriter, r *http.Request) {
	rows, err := s.opts.Engine.QueryResults(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, rows)
}

// Reactions

func (s *Server) handleListReactions(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, s.opts.Engine.ListReactions())
}

func (s *Server) handleCreateReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.CreateReaction(req.ReactionConfig)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, status)
}

func (s *Server) handleGetReaction(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Engine.GetReaction(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleDeleteReaction(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.DeleteReaction(r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStartReaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StartReaction(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetReaction(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}

func (s *Server) handleStopReaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.StopReaction(id); err != nil {
		s.writeErr(w, err)
		return
	}
	status, err := s.opts.Engine.GetReaction(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, http.StatusOK, status)
}
