package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Fishbot Status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 24px;
    }

    .shell {
      max-width: 860px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .grid {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(auto-fit, minmax(140px, 1fr));
    }

    .metric {
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 10px 12px;
      background: #ffffff;
    }

    .metric .label { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; }
    .metric .value { margin-top: 4px; font-size: 1.3rem; font-variant-numeric: tabular-nums; }
    .state-active { color: var(--accent); }
    .state-other { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Fishbot</h1>
      <div class="sub">Marketplace auto-reply daemon &middot; uptime <span id="uptime">&ndash;</span></div>
    </div>
    <div class="card">
      <div class="grid">
        <div class="metric"><div class="label">Session</div><div class="value" id="state">&ndash;</div></div>
        <div class="metric"><div class="label">Conn failures</div><div class="value" id="failures">&ndash;</div></div>
        <div class="metric"><div class="label">Token failures</div><div class="value" id="tokenFailures">&ndash;</div></div>
        <div class="metric"><div class="label">Queue</div><div class="value" id="queue">&ndash;</div></div>
      </div>
    </div>
    <div class="card">
      <div class="grid">
        <div class="metric"><div class="label">Accepted</div><div class="value" id="accepted">&ndash;</div></div>
        <div class="metric"><div class="label">Deduped</div><div class="value" id="deduped">&ndash;</div></div>
        <div class="metric"><div class="label">Suppressed</div><div class="value" id="suppressed">&ndash;</div></div>
        <div class="metric"><div class="label">Replied</div><div class="value" id="replied">&ndash;</div></div>
        <div class="metric"><div class="label">Dropped</div><div class="value" id="dropped">&ndash;</div></div>
      </div>
    </div>
  </div>
  <script>
    function set(id, value) { document.getElementById(id).textContent = value; }

    async function refresh() {
      try {
        const res = await fetch("/status");
        if (!res.ok) return;
        const body = await res.json();
        const state = document.getElementById("state");
        state.textContent = body.session.state;
        state.className = "value " + (body.session.state === "active" ? "state-active" : "state-other");
        set("failures", body.session.consecutiveFailures);
        set("tokenFailures", body.session.tokenFailures);
        set("queue", body.dispatch.queueDepth + " / " + body.dispatch.queueCapacity);
        set("uptime", body.uptime);
        const c = body.dispatch.counters;
        set("accepted", c.accepted);
        set("deduped", c.deduped);
        set("suppressed", c.suppressed);
        set("replied", c.replied);
        set("dropped", c.dropped);
      } catch (err) {
        // leave the last good values on screen
      }
    }

    refresh();
    setInterval(refresh, 2000);
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, dashboardHTML)
}
