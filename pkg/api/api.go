package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/core"
	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/ledger"
	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/safetensors"
	"github.com/3FT-io/chunkvault/pkg/store"
)

// maxUploadMemory is how much of a multipart model upload is buffered in memory before spilling
// to temporary files.
const maxUploadMemory = 32 << 20

type API struct {
	node    *core.Node
	logger  *zap.Logger
	handler http.Handler
	server  *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewAPI(node *core.Node, logger *zap.Logger, port int) (*API, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		node:   node,
		logger: logger,
	}

	router := mux.NewRouter()
	api.setupRoutes(router)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	api.handler = corsHandler.Handler(router)

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.handler,
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	// Health check
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Ledger
	router.HandleFunc("/chain", api.GetChain).Methods("GET")
	router.HandleFunc("/mine", api.Mine).Methods("POST")
	router.HandleFunc("/transactions/new", api.NewTransaction).Methods("POST")
	router.HandleFunc("/nodes/register", api.RegisterNodes).Methods("POST")
	router.HandleFunc("/nodes/resolve", api.ResolveNodes).Methods("POST")

	// Model management
	router.HandleFunc("/models", api.UploadModel).Methods("POST")
	router.HandleFunc("/models", api.ListModels).Methods("GET")
	router.HandleFunc("/models/{hash}", api.GetModel).Methods("GET")
	router.HandleFunc("/models/{hash}", api.DeleteModel).Methods("DELETE")
	router.HandleFunc("/models/{hash}/manifest", api.GetManifest).Methods("GET")
	router.HandleFunc("/models/{hash}/playlist", api.GeneratePlaylist).Methods("POST")

	// Registry entries
	router.HandleFunc("/chunks", api.RegisterArtifact).Methods("POST")
	router.HandleFunc("/chunks/{id}", api.ResolveEntry).Methods("GET")
	router.HandleFunc("/chunks/{id}/url", api.PresignEntry).Methods("GET")

	// Network status
	router.HandleFunc("/network/status", api.GetNetworkStatus).Methods("GET")
	router.HandleFunc("/network/peers", api.GetPeers).Methods("GET")

	// Storage status
	router.HandleFunc("/storage/status", api.GetStorageStatus).Methods("GET")
}

// Handler returns the routed, CORS-wrapped handler.
func (api *API) Handler() http.Handler {
	return api.handler
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]string{
			"status":  "healthy",
			"node_id": api.node.Ledger().NodeID(),
			"time":    time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (api *API) GetChain(w http.ResponseWriter, r *http.Request) {
	chain := api.node.Ledger().Chain()
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    ledger.ChainResponse{Chain: chain, Length: len(chain)},
	})
}

func (api *API) Mine(w http.ResponseWriter, r *http.Request) {
	block, err := api.node.Mine(r.Context())
	if err != nil {
		api.sendFailure(w, "Failed to mine block", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "New block forged",
		Data:    block,
	})
}

func (api *API) NewTransaction(w http.ResponseWriter, r *http.Request) {
	var c ledger.Contribution
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if c.ContributorID == "" || c.Payload == "" {
		api.sendError(w, "contributor_id and payload are required", http.StatusBadRequest)
		return
	}

	index := api.node.Ledger().NewTransaction(c)
	api.sendResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Transaction will be added to block %d", index),
		Data:    map[string]int64{"index": index},
	})
}

type registerNodesRequest struct {
	Nodes []string `json:"nodes"`
}

func (api *API) RegisterNodes(w http.ResponseWriter, r *http.Request) {
	var req registerNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Nodes) == 0 {
		api.sendError(w, "Please supply a valid list of nodes", http.StatusBadRequest)
		return
	}

	for _, n := range req.Nodes {
		if _, err := api.node.Ledger().RegisterNode(n); err != nil {
			api.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	api.sendResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Message: "New nodes have been added",
		Data:    map[string][]string{"total_nodes": api.node.Ledger().Nodes()},
	})
}

func (api *API) ResolveNodes(w http.ResponseWriter, r *http.Request) {
	replaced, err := api.node.Ledger().ResolveConflicts(r.Context())
	if err != nil {
		api.sendFailure(w, "Failed to resolve conflicts", err)
		return
	}

	message := "Our chain is authoritative"
	if replaced {
		message = "Our chain was replaced"
	}
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: message,
		Data: map[string]interface{}{
			"replaced": replaced,
			"chain":    api.node.Ledger().Chain(),
		},
	})
}

// Model upload handler
func (api *API) UploadModel(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		api.sendError(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("model")
	if err != nil {
		api.sendError(w, "No model file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".safetensors" {
		api.sendError(w, fmt.Sprintf("Unsupported model format %q", ext), http.StatusBadRequest)
		return
	}

	res, err := api.node.StoreModel(r.Context(), header.Filename, file)
	if err != nil {
		api.sendFailure(w, "Failed to ingest model", err)
		return
	}

	api.sendResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    res,
	})
}

// List models handler
func (api *API) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := api.node.Storage().ListModels(r.Context())
	if err != nil {
		api.sendFailure(w, "Failed to list models", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    models,
	})
}

// GetModel streams the reassembled model, or the chunks named in ?chunks=a,b
func (api *API) GetModel(w http.ResponseWriter, r *http.Request) {
	modelHash := mux.Vars(r)["hash"]

	model, err := api.node.Storage().GetModel(r.Context(), modelHash)
	if err != nil {
		api.sendFailure(w, "Model not found", err)
		return
	}

	var filenames []string
	if q := r.URL.Query().Get("chunks"); q != "" {
		filenames = strings.Split(q, ",")
	}

	tensors, err := api.node.Storage().AssembleModel(r.Context(), modelHash, filenames)
	if err != nil {
		api.sendFailure(w, "Failed to assemble model", err)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": model.Name + ".safetensors",
	}))
	w.Header().Set("Content-Type", "application/octet-stream")

	if err := safetensors.Write(w, tensors, core.ModelFileMetadata(modelHash)); err != nil {
		api.logger.Warn("Failed to stream model", zap.String("model_hash", modelHash), zap.Error(err))
	}
}

func (api *API) GetManifest(w http.ResponseWriter, r *http.Request) {
	manifest, err := api.node.Storage().Manifest(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		api.sendFailure(w, "Manifest not found", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    manifest,
	})
}

// Delete model handler
func (api *API) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := api.node.Storage().DeleteModel(r.Context(), mux.Vars(r)["hash"]); err != nil {
		api.sendFailure(w, "Failed to delete model", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Model deleted successfully",
	})
}

type playlistRequest struct {
	Prompt string `json:"prompt"`
	TopN   int    `json:"top_n"`
}

func (api *API) GeneratePlaylist(w http.ResponseWriter, r *http.Request) {
	var req playlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		api.sendError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	entries, err := api.node.Playlist(r.Context(), mux.Vars(r)["hash"], req.Prompt, req.TopN)
	if err != nil {
		api.sendFailure(w, "Failed to generate playlist", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    entries,
	})
}

type artifactRequest struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Data     string                 `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (api *API) RegisterArtifact(w http.ResponseWriter, r *http.Request) {
	var req artifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		api.sendError(w, "data must be base64", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		api.sendError(w, "name is required", http.StatusBadRequest)
		return
	}

	entry, err := api.node.Artifacts().CreateArtifact(r.Context(), req.ID, req.Name, req.Type, data, req.Metadata)
	if err != nil {
		api.sendFailure(w, "Failed to register artifact", err)
		return
	}

	api.sendResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    entry,
	})
}

func (api *API) ResolveEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := api.node.Artifacts().GetArtifact(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.sendFailure(w, "Entry not found", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    entry,
	})
}

// PresignEntry issues a signed download URL; ?ttl=<seconds> overrides the configured lifetime.
func (api *API) PresignEntry(w http.ResponseWriter, r *http.Request) {
	ttl := api.node.PresignTTL()
	if q := r.URL.Query().Get("ttl"); q != "" {
		secs, err := strconv.Atoi(q)
		if err != nil || secs <= 0 {
			api.sendError(w, "ttl must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	signed, err := api.node.Artifacts().URL(r.Context(), mux.Vars(r)["id"], ttl)
	if err != nil {
		api.sendFailure(w, "Failed to presign entry", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    signed,
	})
}

// Network status handler
func (api *API) GetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	network := api.node.Network()
	if network == nil || network.GetHost() == nil {
		api.sendResponse(w, http.StatusOK, APIResponse{
			Success: true,
			Data:    map[string]interface{}{"enabled": false, "ledger_nodes": api.node.Ledger().Nodes()},
		})
		return
	}

	peers := network.GetPeers()
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"enabled":      true,
			"peer_count":   len(peers),
			"node_id":      network.GetHost().ID().String(),
			"addresses":    network.GetHost().Addrs(),
			"ledger_nodes": api.node.Ledger().Nodes(),
		},
	})
}

// Get peers handler
func (api *API) GetPeers(w http.ResponseWriter, r *http.Request) {
	peerInfo := make([]map[string]interface{}, 0)

	if network := api.node.Network(); network != nil && network.GetHost() != nil {
		for _, peer := range network.GetPeers() {
			peerInfo = append(peerInfo, map[string]interface{}{
				"id":        peer.String(),
				"addresses": network.GetHost().Peerstore().Addrs(peer),
			})
		}
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    peerInfo,
	})
}

// Storage status handler
func (api *API) GetStorageStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.node.Storage().GetStatus(r.Context())
	if err != nil {
		api.sendFailure(w, "Failed to get storage status", err)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    status,
	})
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	api.sendResponse(w, status, APIResponse{
		Success: false,
		Error:   message,
	})
}

// sendFailure maps err onto a status code and reports it with message.
func (api *API) sendFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error(message, zap.Error(err))
	}
	api.sendError(w, fmt.Sprintf("%s: %v", message, err), status)
}

func statusFor(err error) int {
	var (
		formatErr  *safetensors.FormatError
		configErr  *store.ConfigError
		storageErr *store.StorageError
	)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrModelEntry):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownChunk):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrCorruptChunk):
		return http.StatusBadGateway
	case errors.As(err, &formatErr):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrProofNotFound):
		return http.StatusServiceUnavailable
	case errors.As(err, &configErr):
		return http.StatusInternalServerError
	case errors.As(err, &storageErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
