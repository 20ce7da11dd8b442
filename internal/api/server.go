package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"

	"Ethy/internal/bridge"
	"Ethy/internal/logger"
	"Ethy/internal/metrics"
	"Ethy/internal/notary"
	"Ethy/internal/notification"
	"Ethy/internal/witness"
)

const (
	// maxBodySize bounds ingest request bodies.
	maxBodySize = 1 << 20

	// serviceName is the JSON-RPC service namespace.
	serviceName = "ethy"
)

// ProofReader reads stored proofs and validator sets.
type ProofReader interface {
	Get(chain bridge.ChainID, eventID uint64) (*bridge.VersionedEventProof, bool)
	ValidatorSet(id uint64) (*bridge.ValidatorSet, bool)
	LatestValidatorSet() (*bridge.ValidatorSet, bool)
	XrplSigners() (*bridge.ValidatorSet, bool)
}

// Subscriber hands out proof subscriptions.
type Subscriber interface {
	Subscribe() (*notification.Subscription, func())
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Finalized() uint64
	ValidatorSetID() uint64
	Floor() uint64
	PendingCalls() int
}

// ResolutionReader lists recently decided chain calls.
type ResolutionReader interface {
	Resolutions() []notary.Resolution
}

// HeaderSink accepts finalized headers from the host chain.
type HeaderSink interface {
	Ingest(h *witness.FinalizedHeader, notaryKeys [][]byte) error
}

// ChallengeSink accepts challenged XRPL transactions.
type ChallengeSink interface {
	Push(txHash [32]byte, ledgerIndex uint64)
}

// Params holds the server's collaborators. Nil sinks disable their endpoints.
type Params struct {
	Addr        string           // Addr is the HTTP listen address
	Proofs      ProofReader      // Proofs serves the query API
	Hub         Subscriber       // Hub serves the websocket feed
	Status      StatusProvider   // Status serves /status, may be nil
	Resolutions ResolutionReader // Resolutions serves ethy.chainCallResolutions, may be nil
	Headers     HeaderSink       // Headers receives POST /finalized, may be nil
	Challenges  ChallengeSink    // Challenges receives POST /challenges, may be nil
	Metrics     *metrics.Metrics // Metrics serves /metrics, may be nil
}

// Server is the HTTP API server.
type Server struct {
	p        Params             // p holds the collaborators
	upgrader websocket.Upgrader // upgrader accepts websocket subscriptions
	server   *http.Server       // server is the underlying HTTP server
}

// New creates a server.
func New(p Params) *Server {
	return &Server{
		p: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() (http.Handler, error) {
	rpcServer := rpc.NewServer()
	codec := methodCodec{json2.NewCodec()}
	rpcServer.RegisterCodec(codec, "application/json")

	if err := rpcServer.RegisterService(&Service{s: s}, serviceName); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("POST /rpc", rpcServer)
	mux.HandleFunc("GET /ws/event-proofs", s.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", s.p.Metrics.Handler())
	mux.HandleFunc("POST /finalized", s.handleFinalized)
	mux.HandleFunc("POST /challenges", s.handleChallenges)

	return mux, nil
}

// Start serves in a goroutine.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:              s.p.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.p.Addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.p.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"finalized":      s.p.Status.Finalized(),
		"validatorSetId": s.p.Status.ValidatorSetID(),
		"floor":          s.p.Status.Floor(),
		"pendingCalls":   s.p.Status.PendingCalls(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// methodCodec maps "ethy.getEventProof" to the exported method GetEventProof.
type methodCodec struct {
	inner *json2.Codec
}

// NewRequest wraps the JSON-RPC 2.0 request.
func (c methodCodec) NewRequest(r *http.Request) rpc.CodecRequest {
	return methodRequest{c.inner.NewRequest(r)}
}

// methodRequest upper-cases the first letter of the method name.
type methodRequest struct {
	rpc.CodecRequest
}

// Method returns the service method with an exported name.
func (r methodRequest) Method() (string, error) {
	method, err := r.CodecRequest.Method()
	if err != nil {
		return "", err
	}

	service, name, ok := strings.Cut(method, ".")
	if !ok || name == "" {
		return method, nil
	}

	first, size := utf8.DecodeRuneInString(name)

	return service + "." + string(unicode.ToUpper(first)) + name[size:], nil
}
