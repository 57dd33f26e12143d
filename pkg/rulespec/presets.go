package rulespec

// Preset 预设规则条目，用于预填充创建表单
// 预设不携带 ID 与启用状态，经 RuleStore 的 Add 落库时统一分配
type PresetRule struct {
	Title     string    `json:"title"`
	Pattern   string    `json:"pattern"`
	MatchMode MatchMode `json:"matchMode"`
	Action    Action    `json:"action"`
}

// presets 预设目录：短标识 -> 现成规则
var presets = map[string]PresetRule{
	"youtube-shorts": {
		Title:     "屏蔽 YouTube Shorts",
		Pattern:   "youtube.com/shorts",
		MatchMode: MatchContains,
		Action:    Action{Type: ActionBlock},
	},
	"bilibili-limit": {
		Title:     "B站每日一小时",
		Pattern:   "bilibili.com",
		MatchMode: MatchContains,
		Action: Action{
			Type:  ActionLimit,
			Limit: &LimitState{AllowedMinutes: 60, ResetAfterMinutes: 1440},
		},
	},
	"weibo-limit": {
		Title:     "微博限时半小时",
		Pattern:   "weibo.com",
		MatchMode: MatchContains,
		Action: Action{
			Type:  ActionLimit,
			Limit: &LimitState{AllowedMinutes: 30, ResetAfterMinutes: 1440},
		},
	},
	"news-delay": {
		Title:     "新闻站启动延迟",
		Pattern:   `https?://(news|finance)\.`,
		MatchMode: MatchRegex,
		Action: Action{
			Type:  ActionLimit,
			Limit: &LimitState{AllowedMinutes: 30, ResetAfterMinutes: 720, DelayMinutes: 15},
		},
	},
}

// Preset 根据标识查找预设，返回据其构造的新规则（带新 ID）
func Preset(id string) (Rule, bool) {
	p, ok := presets[id]
	if !ok {
		return Rule{}, false
	}
	r := NewRule(p.Title)
	r.Pattern = p.Pattern
	r.MatchMode = p.MatchMode
	r.Action = p.Action
	if p.Action.Limit != nil {
		// 深拷贝配额状态，避免多次应用共享同一指针
		ls := *p.Action.Limit
		r.Action.Limit = &ls
	}
	return r, true
}

// PresetIDs 返回全部预设标识
func PresetIDs() []string {
	ids := make([]string, 0, len(presets))
	for id := range presets {
		ids = append(ids, id)
	}
	return ids
}
