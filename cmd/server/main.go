package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kevinxiao27/ycrdt/ysync"
)

const usage = `Document relay server.

Every room holds one document. Clients connect to /ws/{room} and speak the
sync protocol over binary websocket frames.

Usage:
    server [--addr=<addr>] [--log-level=<level>] [--compact-after=<n>]
    server -h | --help

Options:
    -h --help               Show this screen.
    --addr=<addr>           Listen address [default: :8080].
    --log-level=<level>     One of trace, debug, info, warn, error [default: info].
    --compact-after=<n>     Compact a room's update log once it holds more than n entries, 0 disables [default: 500].`

type Server struct {
	mu           sync.Mutex
	rooms        map[string]*room
	upgrader     websocket.Upgrader
	compactAfter int
	log          zerolog.Logger
}

func NewServer(compactAfter int, log zerolog.Logger) *Server {
	return &Server{
		rooms: make(map[string]*room),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		compactAfter: compactAfter,
		log:          log,
	}
}

func (s *Server) getRoom(name string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, exists := s.rooms[name]; exists {
		return r
	}
	r := newRoom(name, s.compactAfter, s.log)
	s.rooms[name] = r
	s.log.Info().Str("room", name).Msg("room created")
	return r
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{room}", s.handleWebSocket)
	r.HandleFunc("/rooms/{room}", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/updates", s.handleGetUpdates).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/updates", s.handlePostUpdate).Methods(http.MethodPost)
	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rm := s.getRoom(mux.Vars(r)["room"])
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	transport := newWSTransport(conn)
	defer transport.Close()

	id := uuid.NewString()
	log := rm.log.With().Str("conn", id).Logger()
	peer := ysync.NewPeer(rm.doc, transport, ysync.WithLocker(rm), ysync.WithLogger(log))
	rm.Lock()
	rm.join(peer, id)
	rm.Unlock()
	defer rm.leave(peer)

	log.Info().Int("peers", rm.peers()).Msg("client connected")
	if err := peer.Run(r.Context()); err != nil {
		log.Warn().Err(err).Msg("sync stopped")
	}
	log.Info().Msg("client disconnected")
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	rm := s.getRoom(mux.Vars(r)["room"])
	state, err := rm.state(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.log.Warn().Err(err).Msg("write state")
	}
}

// handleGetUpdates returns the update a client is missing. The optional sv
// query parameter is its base64url encoded state vector.
func (s *Server) handleGetUpdates(w http.ResponseWriter, r *http.Request) {
	rm := s.getRoom(mux.Vars(r)["room"])
	sv, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("sv"))
	if err != nil {
		http.Error(w, "sv must be base64url encoded", http.StatusBadRequest)
		return
	}
	update, err := rm.updates.Since(sv)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(update)
}

func (s *Server) handlePostUpdate(w http.ResponseWriter, r *http.Request) {
	rm := s.getRoom(mux.Vars(r)["room"])
	update, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	agent := r.Header.Get("X-Agent")
	if agent == "" {
		agent = uuid.NewString()
	}
	if err := rm.apply(update, agent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rm.log.Debug().Str("agent", agent).Int("bytes", len(update)).Msg("applied http update")
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}
	addr, _ := opts.String("--addr")
	levelName, _ := opts.String("--log-level")
	compactAfter, err := opts.Int("--compact-after")
	if err != nil {
		panic(err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	log = log.Level(level)

	server := NewServer(compactAfter, log)
	log.Info().Str("addr", addr).Msg("relay server starting")
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
