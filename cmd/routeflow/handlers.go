package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routeflow/alias"
	"github.com/BaSui01/routeflow/routing"
	"github.com/BaSui01/routeflow/vault"
)

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody 统一的错误响应体。
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// =============================================================================
// 健康与版本
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.deps.Pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 调用入口
// =============================================================================

// handleInvoke 处理一次逻辑请求：POST /api/v1/invoke
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req routing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" || req.AliasName == "" {
		writeError(w, http.StatusBadRequest, "workspace_id and alias_name are required")
		return
	}

	resp, err := s.deps.Engine.Invoke(r.Context(), &req)
	if err != nil {
		s.writeInvokeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeInvokeError 把引擎的终态错误映射为 HTTP 状态码。
func (s *Server) writeInvokeError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound *alias.NotFoundError
	var mismatch *routing.CapabilityMismatchError
	var exhausted *routing.ExhaustedError
	var storage *routing.StorageError
	var vaultErr *vault.Error

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &mismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &exhausted):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		// 客户端已断开，响应只为日志完整性
		writeError(w, 499, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &storage), errors.As(err, &vaultErr):
		s.logger.Error("invoke failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("invoke failed", zap.Error(err), zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// =============================================================================
// 密钥管理
// =============================================================================

// addKeyRequest POST /api/v1/keys 的请求体。
type addKeyRequest struct {
	WorkspaceID string        `json:"workspace_id"`
	UserID      string        `json:"user_id"`
	Provider    string        `json:"provider"`
	Label       string        `json:"label"`
	APIKey      string        `json:"api_key"`
	Scopes      vault.Scopes  `json:"scopes"`
	Budgets     vault.Budgets `json:"budgets"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleAddKey(w, r)
	case http.MethodGet:
		s.handleListKeys(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" || req.Provider == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "workspace_id, provider and api_key are required")
		return
	}

	key, err := s.deps.Vault.AddKey(r.Context(), vault.AddKeyParams{
		WorkspaceID:  req.WorkspaceID,
		UserID:       req.UserID,
		Provider:     req.Provider,
		Label:        req.Label,
		PlaintextKey: req.APIKey,
		Scopes:       req.Scopes,
		Budgets:      req.Budgets,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 响应绝不回显密文或明文
	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":   key.ID,
		"provider": key.Provider,
		"last4":    key.Last4,
		"status":   key.Status,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	stats, err := s.deps.Vault.ListKeys(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": stats})
}

// handleKeyByID 处理 DELETE /api/v1/keys/{id}（吊销）。
func (s *Server) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	keyID := strings.TrimPrefix(r.URL.Path, "/api/v1/keys/")
	if keyID == "" {
		writeError(w, http.StatusBadRequest, "key id is required")
		return
	}
	userID := r.URL.Query().Get("user_id")

	err := s.deps.Vault.RevokeKey(r.Context(), keyID, userID)
	switch {
	case errors.Is(err, vault.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vault.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

// =============================================================================
// 别名管理
// =============================================================================

// aliasRequest POST /api/v1/aliases 的请求体。
type aliasRequest struct {
	WorkspaceID       string                  `json:"workspace_id"`
	Name              string                  `json:"name"`
	Modality          alias.Modality          `json:"modality"`
	Capability        alias.Capability        `json:"capability"`
	PrimaryProvider   string                  `json:"primary_provider"`
	PrimaryModel      string                  `json:"primary_model"`
	Fallbacks         []alias.ChainLink       `json:"fallbacks"`
	RoutingPreference alias.RoutingPreference `json:"routing_preference"`
	AllowAggregators  bool                    `json:"allow_aggregators"`
}

func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSaveAlias(w, r)
	case http.MethodGet:
		s.handleListAliases(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSaveAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WorkspaceID == "" || req.Name == "" || req.PrimaryProvider == "" || req.PrimaryModel == "" {
		writeError(w, http.StatusBadRequest, "workspace_id, name, primary_provider and primary_model are required")
		return
	}

	a := &alias.ModelAlias{
		WorkspaceID:       req.WorkspaceID,
		Name:              req.Name,
		Modality:          req.Modality,
		Capability:        req.Capability,
		PrimaryProvider:   req.PrimaryProvider,
		PrimaryModel:      req.PrimaryModel,
		Fallbacks:         req.Fallbacks,
		RoutingPreference: req.RoutingPreference,
		AllowAggregators:  req.AllowAggregators,
		IsActive:          true,
	}
	if err := s.deps.Resolver.Save(r.Context(), a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"alias_id": a.ID, "name": a.Name})
}

func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	aliases, err := s.deps.Resolver.List(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": aliases})
}

// handleAliasByName 处理 DELETE /api/v1/aliases/{name}（停用）。
func (s *Server) handleAliasByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/aliases/")
	workspaceID := r.URL.Query().Get("workspace_id")
	if name == "" || workspaceID == "" {
		writeError(w, http.StatusBadRequest, "alias name and workspace_id are required")
		return
	}

	err := s.deps.Resolver.Deactivate(r.Context(), workspaceID, name)
	var notFound *alias.NotFoundError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	}
}

// =============================================================================
// 用量汇总
// =============================================================================

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	summary, err := s.deps.Audit.Summarize(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}
