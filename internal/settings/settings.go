// Package settings 管理内容隐藏偏好（弹窗设置）
package settings

import (
	"context"
	"encoding/json"

	"sitelimit/internal/logger"
	"sitelimit/internal/storage/model"
	"sitelimit/pkg/domain"
	"sitelimit/pkg/errx"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// KV 弹窗设置依赖的外部键值存储
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// PopupSettings 内容隐藏偏好，独立于规则序列的扁平布尔开关
type PopupSettings struct {
	HideShortsEnabled bool `json:"hideShortsEnabled"` // 隐藏短视频推荐
	ExtraModeEnabled  bool `json:"extraModeEnabled"`  // 增强隐藏模式
}

// DefaultPopupSettings 首次安装时的默认形态
func DefaultPopupSettings() PopupSettings {
	return PopupSettings{
		HideShortsEnabled: true,
		ExtraModeEnabled:  false,
	}
}

// featureFields 功能开关名到 JSON 字段路径的映射
var featureFields = map[domain.Feature]string{
	domain.FeatureHideShorts: "hideShortsEnabled",
	domain.FeatureExtraMode:  "extraModeEnabled",
}

// Repo 弹窗设置仓库
type Repo struct {
	kv  KV
	log logger.Logger
}

// NewRepo 创建弹窗设置仓库
func NewRepo(kv KV, l logger.Logger) *Repo {
	if l == nil {
		l = logger.NewNop()
	}
	return &Repo{kv: kv, log: l}
}

// Load 读取弹窗设置，缺失或损坏时返回默认形态
func (r *Repo) Load(ctx context.Context) PopupSettings {
	raw, err := r.kv.Get(ctx, model.SettingKeyPopupSettings)
	if err != nil || raw == "" {
		return DefaultPopupSettings()
	}

	var s PopupSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.log.Warn("弹窗设置数据损坏，回退默认值", "error", err.Error())
		return DefaultPopupSettings()
	}
	return s
}

// Save 整体写入弹窗设置
func (r *Repo) Save(ctx context.Context, s PopupSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, model.SettingKeyPopupSettings, string(data))
}

// SetFeature 打补丁式更新单个功能开关
// 直接在存储的 JSON 文档上改写目标字段，保留文档中未知的额外字段，
// 新版本写入的字段不会在旧版本的开关操作中丢失
func (r *Repo) SetFeature(ctx context.Context, feature domain.Feature, enabled bool) error {
	field, ok := featureFields[feature]
	if !ok {
		return errx.New(errx.CodeUnknownFeature, "未知的功能开关: "+string(feature))
	}

	raw, err := r.kv.Get(ctx, model.SettingKeyPopupSettings)
	if err != nil || raw == "" || !gjson.Valid(raw) {
		data, merr := json.Marshal(DefaultPopupSettings())
		if merr != nil {
			return merr
		}
		raw = string(data)
	}

	patched, err := sjson.Set(raw, field, enabled)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, model.SettingKeyPopupSettings, patched)
}

// Feature 读取单个功能开关的当前值
func (r *Repo) Feature(ctx context.Context, feature domain.Feature) (bool, error) {
	field, ok := featureFields[feature]
	if !ok {
		return false, errx.New(errx.CodeUnknownFeature, "未知的功能开关: "+string(feature))
	}

	raw, err := r.kv.Get(ctx, model.SettingKeyPopupSettings)
	if err != nil || raw == "" || !gjson.Valid(raw) {
		s := DefaultPopupSettings()
		switch feature {
		case domain.FeatureHideShorts:
			return s.HideShortsEnabled, nil
		default:
			return s.ExtraModeEnabled, nil
		}
	}
	return gjson.Get(raw, field).Bool(), nil
}
