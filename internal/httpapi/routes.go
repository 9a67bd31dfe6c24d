package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"replidraw/internal/document"
	"replidraw/internal/log"
	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
	"replidraw/internal/storage"
)

// DefaultDocID is used when a request names no document.
const DefaultDocID = "default"

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

type Options struct {
	Store    storage.Store
	Mutators document.Registry
	// Publisher receives super pokes after each push. Nil disables them;
	// clients then converge through their periodic pulls.
	Publisher pubsub.Publisher
	// Upstream backs the /poke WebSocket relay. Nil disables the route.
	Upstream    pubsub.Transport
	TopicPrefix string
	Logger      *zap.Logger
}

type Server struct {
	store       storage.Store
	mutators    document.Registry
	publisher   pubsub.Publisher
	relay       *pubsub.Relay
	topicPrefix string
	logger      *zap.Logger

	// pokeMu serializes fan-outs so each client's cursor advances in order.
	pokeMu sync.Mutex
}

func NewServer(opts Options) *Server {
	if opts.Mutators == nil {
		opts.Mutators = document.Mutators()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "replidraw"
	}
	logger := log.OrNop(opts.Logger)
	s := &Server{
		store:       opts.Store,
		mutators:    opts.Mutators,
		publisher:   opts.Publisher,
		topicPrefix: opts.TopicPrefix,
		logger:      logger,
	}
	if opts.Upstream != nil {
		s.relay = pubsub.NewRelay(opts.Upstream, []string{protocol.SuperPokeEvent}, logger.Named("relay"))
	}
	return s
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(requestLogger(s.logger))
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w)
	})
	s.RegisterRoutes(router)
	return router
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.Methods(http.MethodPost).Path("/replicache-push").HandlerFunc(s.handlePush)
	router.Methods(http.MethodPost).Path("/replicache-pull").HandlerFunc(s.handlePull)
	if s.relay != nil {
		router.Methods(http.MethodGet).Path("/poke/{topic}").HandlerFunc(s.handlePoke)
	}
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(handleHealthz)
}

func docID(r *http.Request) string {
	if id := r.URL.Query().Get("docID"); id != "" {
		return id
	}
	return DefaultDocID
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	doc := docID(r)
	var payload protocol.PushRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.logger.Warn("push decode error", zap.String("doc_id", doc), zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientID is required"})
		return
	}
	logger := log.ForSession(s.logger, doc, payload.ClientID)

	result, err := s.store.ApplyPush(r.Context(), doc, payload.ClientID, payload.Mutations, s.apply)
	if err != nil {
		logger.Error("push failed", zap.Int("mutations", len(payload.Mutations)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, failure := range result.Failures {
		logger.Warn("mutation failed",
			zap.Int64("mutation_id", failure.ID),
			zap.String("mutator", failure.Name),
			zap.Error(failure.Err))
	}
	if result.Deferred > 0 {
		logger.Info("mutations deferred behind a gap",
			zap.Int("deferred", result.Deferred),
			zap.Int64("last_mutation_id", result.LastMutationID))
	}

	if result.Processed == 0 {
		if err := s.store.TouchClient(r.Context(), doc, payload.ClientID); err != nil {
			logger.Warn("touch client failed", zap.Error(err))
		}
	} else {
		logger.Debug("push applied",
			zap.Int("processed", result.Processed),
			zap.Int64("version", result.Version))
		s.pokeClients(r.Context(), doc, result.Version)
	}
	writeJSON(w, http.StatusOK, jsonResponse{})
}

func (s *Server) apply(ctx context.Context, tx document.WriteTx, m protocol.Mutation) error {
	return s.mutators.Apply(ctx, tx, m.Name, m.Args)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	doc := docID(r)
	var payload protocol.PullRequest
	if err := decodeJSON(r, &payload); err != nil {
		s.logger.Warn("pull decode error", zap.String("doc_id", doc), zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "clientID is required"})
		return
	}
	logger := log.ForSession(s.logger, doc, payload.ClientID)

	since, err := storage.ParseCookie(payload.Cookie)
	if err != nil {
		logger.Warn("resetting client with unreadable cookie", zap.Error(err))
		since = -1
	}
	changes, err := s.store.GetChangesSince(r.Context(), doc, payload.ClientID, since)
	if err != nil {
		logger.Error("pull failed", zap.Int64("since", since), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpdateClientCursor(r.Context(), doc, payload.ClientID, changes.Version); err != nil {
		logger.Error("pull cursor error", zap.Int64("version", changes.Version), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.PullResponse{
		Cookie:         storage.FormatCookie(changes.Version),
		LastMutationID: changes.LastMutationID,
		Patch:          changes.Patch,
	})
}

func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if !strings.HasPrefix(topic, s.topicPrefix+"-") {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown topic"})
		return
	}
	s.relay.Serve(w, r, topic)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
