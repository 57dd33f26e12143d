// Package httpapi 承接弹窗与提示页的消息通道
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	adapter "sitelimit/internal/adapter/cdp"
	"sitelimit/internal/logger"
	"sitelimit/internal/rulestore"
	"sitelimit/pkg/api"
	"sitelimit/pkg/domain"
	"sitelimit/pkg/errx"
	"sitelimit/pkg/rulespec"
)

// Server 提供消息通道的 HTTP 接口入口
type Server struct {
	svc        api.Service
	browser    *adapter.Browser
	noticeBase string
	log        logger.Logger

	// 长生命周期上下文：页面上下文的寿命不随单次请求结束
	baseCtx context.Context

	mu      sync.Mutex
	targets map[domain.ContextID]domain.TargetID
}

// NewServer 创建消息通道服务
func NewServer(baseCtx context.Context, svc api.Service, browser *adapter.Browser, noticeBase string, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{
		svc:        svc,
		browser:    browser,
		noticeBase: noticeBase,
		log:        l,
		baseCtx:    baseCtx,
		targets:    make(map[domain.ContextID]domain.TargetID),
	}
}

// Handler 返回完整路由：POST /api 消息分发，GET /notice 提示页
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.serveAPI)
	mux.HandleFunc("/notice", s.serveNotice)
	return mux
}

// serveAPI 处理所有消息请求
func (s *Server) serveAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidRequest.withError(err))
		return
	}
	res := s.dispatch(r.Context(), &req)
	writeResponse(w, res)
}

// Request 表示通用消息结构
type Request struct {
	Action string          `json:"action"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params"`
}

// Response 表示通用响应结构：统一响应格式外加消息关联ID
type Response struct {
	ID string `json:"id,omitempty"`
	api.Response[any]
}

// ErrorObject 表示错误信息
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApiError 表示内部错误类型
type ApiError struct {
	Code string
	Err  error
}

func (e ApiError) withError(err error) ApiError {
	return ApiError{Code: e.Code, Err: err}
}

var (
	// ErrInvalidRequest 无效请求
	ErrInvalidRequest = ApiError{Code: "invalid_request"}
	// ErrUnknownAction 消息动作不存在
	ErrUnknownAction = ApiError{Code: string(errx.CodeUnknownAction)}
	// ErrInvalidParams 参数错误
	ErrInvalidParams = ApiError{Code: "invalid_params"}
	// ErrInternal 内部错误
	ErrInternal = ApiError{Code: "internal"}
)

// idParams 仅包含规则标识的参数
type idParams struct {
	ID string `json:"id"`
}

// contextStartParams 上下文启动参数
type contextStartParams struct {
	TargetID string `json:"targetId"`
}

// contextStopParams 上下文停止参数
type contextStopParams struct {
	ContextID string `json:"contextId"`
}

// updateRuleParams 规则部分更新参数，缺省字段保持原值
type updateRuleParams struct {
	ID        string              `json:"id"`
	Title     *string             `json:"title,omitempty"`
	Pattern   *string             `json:"pattern,omitempty"`
	MatchMode *rulespec.MatchMode `json:"matchMode,omitempty"`
	Enabled   *bool               `json:"enabled,omitempty"`
	Action    *rulespec.Action    `json:"action,omitempty"`
}

// rulestorePatch 把更新参数折算为存储层补丁
func rulestorePatch(p updateRuleParams) rulestore.Patch {
	return rulestore.Patch{
		Title:     p.Title,
		Pattern:   p.Pattern,
		MatchMode: p.MatchMode,
		Enabled:   p.Enabled,
		Action:    p.Action,
	}
}

// reorderParams 规则重排参数
type reorderParams struct {
	IDs []string `json:"ids"`
}

// presetParams 预设应用参数
type presetParams struct {
	PresetID string `json:"presetId"`
}

// contextStartResult 上下文启动结果
type contextStartResult struct {
	ContextID string `json:"contextId"`
}

// deleteResult 删除结果
type deleteResult struct {
	Deleted bool `json:"deleted"`
}

// dispatch 根据 action 分发消息
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	var (
		result interface{}
		err    *ErrorObject
	)
	switch req.Action {
	case "getUptime":
		result = s.svc.GetUptime(ctx)
	case "getPopupSettings":
		result = s.svc.PopupSettings(ctx)
	case "toggleFeature":
		result, err = s.handleToggleFeature(ctx, req.Params)
	case "listRules":
		result = s.svc.ListRules(ctx)
	case "addRule":
		result, err = s.handleAddRule(ctx, req.Params)
	case "updateRule":
		result, err = s.handleUpdateRule(ctx, req.Params)
	case "deleteRule":
		result, err = s.handleDeleteRule(ctx, req.Params)
	case "toggleRule":
		result, err = s.handleToggleRule(ctx, req.Params)
	case "reorderRules":
		result, err = s.handleReorderRules(ctx, req.Params)
	case "applyPreset":
		result, err = s.handleApplyPreset(ctx, req.Params)
	case "listVerdicts":
		result, err = s.handleListVerdicts(ctx, req.Params)
	case "listTargets":
		result, err = s.handleListTargets(ctx)
	case "startContext":
		result, err = s.handleStartContext(req.Params)
	case "stopContext":
		result, err = s.handleStopContext(req.Params)
	default:
		err = toErrorObject(ErrUnknownAction)
	}

	res := &Response{ID: req.ID}
	if err != nil {
		res.Response = api.Fail[any](err.Code, err.Message)
	} else {
		res.Response = api.OK[any](result)
	}
	return res
}

// writeResponse 写出统一响应
func writeResponse(w http.ResponseWriter, res *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	_ = enc.Encode(res)
}

// writeError 写出错误响应
func writeError(w http.ResponseWriter, apiErr ApiError) {
	e := toErrorObject(apiErr)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	_ = enc.Encode(&Response{Response: api.Fail[any](e.Code, e.Message)})
}

// toErrorObject 转换错误为响应错误对象
func toErrorObject(e ApiError) *ErrorObject {
	msg := e.Code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorObject{Code: e.Code, Message: msg}
}

// serviceError 保留业务错误码，其余归入 internal
func serviceError(err error) *ErrorObject {
	var e *errx.Error
	if errors.As(err, &e) {
		return &ErrorObject{Code: string(e.Code), Message: e.Error()}
	}
	return toErrorObject(ErrInternal.withError(err))
}

// handleToggleFeature 处理功能开关切换
func (s *Server) handleToggleFeature(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p domain.FeatureToggle
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.Feature == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("feature is required")))
	}
	if err := s.svc.ToggleFeature(ctx, p); err != nil {
		return nil, serviceError(err)
	}
	return nil, nil
}

// handleAddRule 处理规则新增
func (s *Server) handleAddRule(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var r rulespec.Rule
	if err := json.Unmarshal(params, &r); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	added, err := s.svc.AddRule(ctx, r)
	if err != nil {
		return nil, serviceError(err)
	}
	return added, nil
}

// handleUpdateRule 处理规则部分更新
func (s *Server) handleUpdateRule(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p updateRuleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.ID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("id is required")))
	}
	updated, err := s.svc.UpdateRule(ctx, p.ID, rulestorePatch(p))
	if err != nil {
		return nil, serviceError(err)
	}
	return updated, nil
}

// handleDeleteRule 处理规则删除
func (s *Server) handleDeleteRule(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.ID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("id is required")))
	}
	return &deleteResult{Deleted: s.svc.DeleteRule(ctx, p.ID)}, nil
}

// handleToggleRule 处理规则启停
func (s *Server) handleToggleRule(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.ID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("id is required")))
	}
	toggled, err := s.svc.ToggleRule(ctx, p.ID)
	if err != nil {
		return nil, serviceError(err)
	}
	return toggled, nil
}

// handleReorderRules 处理规则重排
func (s *Server) handleReorderRules(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p reorderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	s.svc.ReorderRules(ctx, p.IDs)
	return s.svc.ListRules(ctx), nil
}

// handleApplyPreset 处理预设应用
func (s *Server) handleApplyPreset(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p presetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.PresetID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("presetId is required")))
	}
	added, err := s.svc.ApplyPreset(ctx, p.PresetID)
	if err != nil {
		return nil, serviceError(err)
	}
	return added, nil
}

// listVerdictsParams 裁决历史查询参数
type listVerdictsParams struct {
	Limit int `json:"limit,omitempty"`
}

// handleListVerdicts 处理裁决历史查询
func (s *Server) handleListVerdicts(ctx context.Context, params json.RawMessage) (interface{}, *ErrorObject) {
	var p listVerdictsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, toErrorObject(ErrInvalidParams.withError(err))
		}
	}
	records, err := s.svc.RecentVerdicts(ctx, p.Limit)
	if err != nil {
		return nil, serviceError(err)
	}
	return records, nil
}

// handleListTargets 处理标签页列表查询
func (s *Server) handleListTargets(ctx context.Context) (interface{}, *ErrorObject) {
	if s.browser == nil {
		return nil, toErrorObject(ErrInternal.withError(errors.New("browser not configured")))
	}
	targets, err := s.browser.ListTargets(ctx)
	if err != nil {
		return nil, toErrorObject(ErrInternal.withError(err))
	}
	return targets, nil
}

// handleStartContext 附着目标并启动页面上下文
func (s *Server) handleStartContext(params json.RawMessage) (interface{}, *ErrorObject) {
	if s.browser == nil {
		return nil, toErrorObject(ErrInternal.withError(errors.New("browser not configured")))
	}
	var p contextStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.TargetID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("targetId is required")))
	}

	targetID := domain.TargetID(p.TargetID)
	session, err := s.browser.Attach(s.baseCtx, targetID)
	if err != nil {
		return nil, toErrorObject(ErrInternal.withError(err))
	}

	redirect := adapter.NewRedirector(session, s.noticeBase, s.log)
	injector := adapter.NewFeatureInjector(session, s.log)

	id, err := s.svc.StartContext(s.baseCtx, s.browser.AddressFunc(targetID), redirect, injector.Apply)
	if err != nil {
		_ = s.browser.Detach(targetID)
		return nil, serviceError(err)
	}

	s.mu.Lock()
	s.targets[id] = targetID
	s.mu.Unlock()
	return &contextStartResult{ContextID: string(id)}, nil
}

// handleStopContext 停止页面上下文并断开目标
func (s *Server) handleStopContext(params json.RawMessage) (interface{}, *ErrorObject) {
	var p contextStopParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, toErrorObject(ErrInvalidParams.withError(err))
	}
	if p.ContextID == "" {
		return nil, toErrorObject(ErrInvalidParams.withError(errors.New("contextId is required")))
	}

	id := domain.ContextID(p.ContextID)
	if err := s.svc.StopContext(id); err != nil {
		return nil, serviceError(err)
	}

	s.mu.Lock()
	targetID, ok := s.targets[id]
	if ok {
		delete(s.targets, id)
	}
	s.mu.Unlock()

	if ok && s.browser != nil {
		if err := s.browser.Detach(targetID); err != nil {
			s.log.Err(err, "目标断开失败", "targetID", string(targetID))
		}
	}
	return nil, nil
}
