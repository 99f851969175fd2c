package api

import (
	"net/http"

	"github.com/datasciencemonkey/brickchat/internal/agents"
)

func (s *Server) handleAgentsEnabled(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Agents.ListEnabled(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(list), "agents": list}, s.logger)
}

func (s *Server) handleAgentsAll(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Agents.ListAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(list), "agents": list}, s.logger)
}

func (s *Server) handleAgentsDiscover(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Agents.Discover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("agent discovery requested",
		"user_id", user(r).ID, "discovered", res.Discovered, "new", res.New)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	var patch agents.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	a, err := s.deps.Agents.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, a, s.logger)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Agents.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "agent_id": id}, s.logger)
}
