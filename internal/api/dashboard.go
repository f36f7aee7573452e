package api

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/vnmchuo/penny-counter/internal/counter"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Receipt Counter - Road to 1M</title>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <meta http-equiv="refresh" content="10">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
           background: #1a1a2e; color: #fff; display: flex; justify-content: center; padding: 2rem; }
    .container { text-align: center; max-width: 800px; width: 100%; }
    .counter { font-size: 5rem; font-weight: bold; color: #00d9ff; margin: 1rem 0; }
    .goal { color: #888; }
    .bar { width: 100%; height: 30px; background: #333; border-radius: 15px; overflow: hidden; margin: 1rem 0; }
    .fill { height: 100%; background: linear-gradient(90deg, #00d9ff, #00ff88); }
    .stats { display: grid; grid-template-columns: repeat(3, 1fr); gap: 1rem; margin-top: 2rem; }
    .stat { background: rgba(255,255,255,0.1); padding: 1rem; border-radius: 10px; }
    .label { color: #888; font-size: 0.9rem; }
  </style>
</head>
<body>
  <div class="container">
    <h1>Receipt Counter</h1>
    <p class="goal">Cryptographic receipts signed worldwide</p>
    <div class="counter">{{.TotalReceipts}}</div>
    <div class="goal">Goal: {{.Goal}} receipts</div>
    <div class="bar"><div class="fill" style="width: {{.ProgressPercent}}%"></div></div>
    <p>{{.ProgressPercent}}% complete</p>
    <div class="stats">
      <div class="stat"><div>{{.TotalTenants}}</div><div class="label">Sources</div></div>
      <div class="stat"><div>{{.Remaining}}</div><div class="label">Remaining</div></div>
      <div class="stat"><div>{{if .PersistenceEnabled}}on{{else}}off{{end}}</div><div class="label">Persistence</div></div>
    </div>
  </div>
</body>
</html>
`))

type dashboardData struct {
	counter.Stats
	Remaining int64
}

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	stats := h.counter.Stats()
	data := dashboardData{Stats: stats, Remaining: max(stats.Goal-stats.TotalReceipts, 0)}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		h.logger.Warn("failed to render dashboard", zap.Error(err))
	}
}
