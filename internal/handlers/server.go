// Package handlers exposes the operator REST surface and the gateway
// webhook. Endpoints are thin pass-throughs over the stores, the
// assignment queue and the ingestion pipeline.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/assignment"
	"chatrouter/internal/events"
	"chatrouter/internal/services"
	"chatrouter/internal/store"
)

// Server wires the HTTP surface.
type Server struct {
	router *mux.Router

	ingestor *services.Ingestor
	chats    *store.ChatStore
	messages *store.MessageStore
	agents   *store.AgentStore
	flows    *store.FlowStore
	queue    *assignment.Queue
	registry *gateway.Registry
	adapter  gateway.Adapter
	bus      *events.Bus

	apiToken      string
	webhookSecret string
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(ingestor *services.Ingestor, chats *store.ChatStore, messages *store.MessageStore,
	agents *store.AgentStore, flows *store.FlowStore, queue *assignment.Queue,
	registry *gateway.Registry, adapter gateway.Adapter, bus *events.Bus,
	apiToken, webhookPath, webhookSecret string) *Server {

	s := &Server{
		router:        mux.NewRouter(),
		ingestor:      ingestor,
		chats:         chats,
		messages:      messages,
		agents:        agents,
		flows:         flows,
		queue:         queue,
		registry:      registry,
		adapter:       adapter,
		bus:           bus,
		apiToken:      apiToken,
		webhookSecret: webhookSecret,
	}
	s.routes(webhookPath)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(webhookPath string) {
	// The webhook authenticates by signature, not by API token.
	s.router.Handle(webhookPath, http.HandlerFunc(s.GatewayWebhook())).Methods("POST")
	s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	authed := alice.New(s.logRequest, s.authByToken)
	api := s.router.PathPrefix("/api").Subrouter()

	api.Handle("/chats/waiting", authed.Then(s.ListWaitingChats())).Methods("GET")
	api.Handle("/chats/{id:[0-9]+}", authed.Then(s.GetChat())).Methods("GET")
	api.Handle("/chats/{id:[0-9]+}/messages", authed.Then(s.ListChatMessages())).Methods("GET")
	api.Handle("/chats/{id:[0-9]+}/messages", authed.Then(s.SendAgentMessage())).Methods("POST")
	api.Handle("/chats/{id:[0-9]+}/assign", authed.Then(s.AssignChat())).Methods("POST")
	api.Handle("/chats/{id:[0-9]+}/transfer", authed.Then(s.TransferChat())).Methods("POST")
	api.Handle("/chats/{id:[0-9]+}/close", authed.Then(s.CloseChat())).Methods("POST")
	api.Handle("/chats/{id:[0-9]+}/read", authed.Then(s.MarkChatRead())).Methods("POST")

	api.Handle("/agents", authed.Then(s.CreateAgent())).Methods("POST")
	api.Handle("/agents/{id:[0-9]+}/stats", authed.Then(s.AgentStats())).Methods("GET")
	api.Handle("/agents/{id:[0-9]+}/state", authed.Then(s.SetAgentState())).Methods("POST")

	api.Handle("/assignments/status", authed.Then(s.AssignmentStatus())).Methods("GET")
	api.Handle("/flows/{id:[0-9]+}/activate", authed.Then(s.ActivateFlow())).Methods("POST")
	api.Handle("/flows/{id:[0-9]+}/deactivate", authed.Then(s.DeactivateFlow())).Methods("POST")
	api.Handle("/sessions", authed.Then(s.ListSessions())).Methods("GET")
}

// authByToken guards operator endpoints with the static API token.
func (s *Server) authByToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.apiToken == "" || token != s.apiToken {
			s.Respond(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("API request")
		next.ServeHTTP(w, r)
	})
}

// Respond writes a JSON response. Strings become {"detail": ...} for
// error-style payloads, everything else is marshalled as-is.
func (s *Server) Respond(w http.ResponseWriter, _ *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if msg, ok := data.(string); ok {
		data = map[string]string{"detail": msg}
	}
	if err, ok := data.(error); ok {
		data = map[string]string{"detail": err.Error()}
	}
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// pathID extracts the numeric {id} path variable.
func pathID(r *http.Request) uint {
	vars := mux.Vars(r)
	var id uint
	for _, c := range vars["id"] {
		id = id*10 + uint(c-'0')
	}
	return id
}
