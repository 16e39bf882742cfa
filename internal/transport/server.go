package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// AdminBackend is the slice of the cluster surface the admin endpoints
// need. Implemented by raft.Cluster.
type AdminBackend interface {
	NodeState(partition uint32) (raft.NodeState, error)
	ReplicateLogs(partition uint32, tag string, data []byte) (hlc.Timestamp, raft.Status, error)
	ReplicateCheckpoint(partition uint32) (hlc.Timestamp, raft.Status, error)
	GetTicketState(partition uint32, ts hlc.Timestamp) (raft.TicketState, error)
	MaxPartitions() int
}

// Server serves the Raft RPC paths and the admin surface of one node.
type Server struct {
	addr    string
	inbound raft.Inbound
	admin   AdminBackend
	logger  logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server listening on addr.
func NewServer(addr string, inbound raft.Inbound, admin AdminBackend, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		addr:    addr,
		inbound: inbound,
		admin:   admin,
		logger:  logger.WithSource("http"),
	}

	router := s.router()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handlers.RecoveryHandler()(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// router builds the route table.
func (s *Server) router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc(PathRequestVote, s.handleRequestVote).Methods(http.MethodPost)
	router.HandleFunc(PathVote, s.handleVote).Methods(http.MethodPost)
	router.HandleFunc(PathAppendLogs, s.handleAppendLogs).Methods(http.MethodPost)
	router.HandleFunc(PathCompleteAppendLogs, s.handleCompleteAppendLogs).Methods(http.MethodPost)

	if s.admin != nil {
		router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
		router.HandleFunc("/v1/logs/{partition}", s.handleReplicate).Methods(http.MethodPost)
		router.HandleFunc("/v1/checkpoint/{partition}", s.handleCheckpoint).Methods(http.MethodPost)
		router.HandleFunc("/v1/tickets/{partition}/{ts}", s.handleTicket).Methods(http.MethodGet)
	}

	return router
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "transport: listening on %s", s.addr)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("http server listening", "address", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listen address, or the configured address
// before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.inbound.HandleRequestVote(&req)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req raft.VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.inbound.HandleVote(&req)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := s.inbound.HandleAppendLogs(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *Server) handleCompleteAppendLogs(w http.ResponseWriter, r *http.Request) {
	var req raft.CompleteAppendLogsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.inbound.HandleCompleteAppendLogs(&req)
	w.WriteHeader(http.StatusOK)
}

// partitionStatus is one row of the status answer.
type partitionStatus struct {
	Partition uint32 `json:"partition"`
	Role      string `json:"role"`
	Term      uint64 `json:"term"`
	Leader    string `json:"leader"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]partitionStatus, 0, s.admin.MaxPartitions())
	for i := 0; i < s.admin.MaxPartitions(); i++ {
		state, err := s.admin.NodeState(uint32(i))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		statuses = append(statuses, partitionStatus{
			Partition: state.Partition,
			Role:      state.Role.String(),
			Term:      state.Term,
			Leader:    state.Leader,
		})
	}
	writeJSON(w, map[string]interface{}{"partitions": statuses})
}

// replicateRequest is the admin replication body.
type replicateRequest struct {
	LogType string `json:"logType"`
	Data    []byte `json:"data"`
}

// replicateResponse is the admin replication answer.
type replicateResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Ticket  string `json:"ticket,omitempty"`
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	partition, ok := partitionVar(w, r)
	if !ok {
		return
	}
	var req replicateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ticket, status, err := s.admin.ReplicateLogs(partition, req.LogType, req.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, replicateResponse{
		Success: status == raft.StatusSuccess,
		Status:  status.String(),
		Ticket:  ticket.String(),
	})
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	partition, ok := partitionVar(w, r)
	if !ok {
		return
	}

	ticket, status, err := s.admin.ReplicateCheckpoint(partition)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, replicateResponse{
		Success: status == raft.StatusSuccess,
		Status:  status.String(),
		Ticket:  ticket.String(),
	})
}

// ticketResponse is the ticket poll answer.
type ticketResponse struct {
	Status    string `json:"status"`
	LastIndex uint64 `json:"lastIndex"`
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	partition, ok := partitionVar(w, r)
	if !ok {
		return
	}
	ts, err := hlc.ParseTimestamp(mux.Vars(r)["ts"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := s.admin.GetTicketState(partition, ts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ticketResponse{Status: state.Status.String(), LastIndex: state.LastIndex})
}

// partitionVar parses the {partition} path variable.
func partitionVar(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := mux.Vars(r)["partition"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, "invalid partition", http.StatusBadRequest)
		return 0, false
	}
	return uint32(id), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
