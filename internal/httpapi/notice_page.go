package httpapi

import (
	"html/template"
	"net/http"

	"sitelimit/internal/notice"
)

// noticeView 提示页模板数据
type noticeView struct {
	Reason    notice.Reason
	TargetURL string
	RuleTitle string
	AllowedAt int64
	IsLimit   bool
}

// noticeTmpl 提示页模板
// 倒计时在页面内每秒用当前时刻重新计算，到期后回跳原地址
var noticeTmpl = template.Must(template.New("notice").Parse(`<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>访问受限</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f5f5f5; color: #333; }
.card { background: #fff; border-radius: 12px; padding: 40px 48px; box-shadow: 0 2px 12px rgba(0,0,0,.08); text-align: center; max-width: 480px; }
h1 { font-size: 22px; margin: 0 0 12px; }
p { margin: 8px 0; color: #666; }
.countdown { font-size: 32px; font-weight: 600; color: #d33; margin: 16px 0; }
.rule { font-size: 14px; color: #999; }
</style>
</head>
<body>
<div class="card">
{{- if .IsLimit}}
<h1>时间限制生效中</h1>
<p>该网站暂时不可访问</p>
<div class="countdown" id="countdown">--:--</div>
<p class="rule">规则：{{.RuleTitle}}</p>
<script>
var allowedAt = {{.AllowedAt}};
var targetUrl = {{.TargetURL}};
function tick() {
  var left = allowedAt - Date.now();
  if (left <= 0) { location.href = targetUrl; return; }
  var s = Math.ceil(left / 1000);
  var m = Math.floor(s / 60);
  document.getElementById("countdown").textContent =
    m + ":" + String(s % 60).padStart(2, "0");
}
tick();
setInterval(tick, 1000);
</script>
{{- else}}
<h1>该网站已被拦截</h1>
<p>访问策略禁止打开此页面</p>
<p class="rule">规则：{{.RuleTitle}}</p>
{{- end}}
</div>
</body>
</html>
`))

// serveNotice 渲染提示页
// 参数缺失或损坏时渲染空白页而非报错
func (s *Server) serveNotice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	p, ok := notice.ParseValues(r.URL.Query())
	if !ok {
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body></body></html>"))
		return
	}

	view := noticeView{
		Reason:    p.Reason,
		TargetURL: p.TargetURL,
		RuleTitle: p.RuleTitle,
		AllowedAt: p.AllowedAt,
		IsLimit:   p.Reason == notice.ReasonLimit,
	}
	if err := noticeTmpl.Execute(w, view); err != nil {
		s.log.Err(err, "提示页渲染失败")
	}
}
