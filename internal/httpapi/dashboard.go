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
  <title>TrackRelay Control Surface</title>
  <style>
    :root {
      --ink: #16202c;
      --paper: #f4f6f8;
      --card: #ffffff;
      --line: #ccd6e0;
      --accent: #2563a8;
      --accent-2: #d97b2c;
      --danger: #c2483f;
      --muted: #6b7886;
      --shadow: 0 14px 30px rgba(22, 32, 44, 0.14);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1100px 480px at -5% -10%, rgba(217, 123, 44, 0.14), transparent 60%),
        radial-gradient(900px 480px at 110% -10%, rgba(37, 99, 168, 0.16), transparent 65%),
        linear-gradient(140deg, #f8fafc 0%, #eef3f8 45%, #ffffff 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1240px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #ffffff, #f3f7fb);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.7rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.6fr 0.6fr 0.6fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      padding: 9px 10px;
      font: inherit;
    }

    button {
      border: 1px solid var(--line);
      border-radius: 10px;
      background: var(--card);
      padding: 9px 12px;
      font: inherit;
      cursor: pointer;
    }

    button:hover { border-color: var(--accent); }
    button:disabled { opacity: 0.5; cursor: default; }

    .grid {
      display: grid;
      gap: 14px;
    }

    .grid-cards { grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); }
    .grid-wide { grid-template-columns: 1.3fr 0.7fr; }

    .card, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
      box-shadow: var(--shadow);
    }

    .card .label {
      color: var(--muted);
      font-size: 0.78rem;
      text-transform: uppercase;
      letter-spacing: 0.08em;
    }

    .card .value {
      margin-top: 6px;
      font-size: 1.4rem;
      white-space: pre-line;
    }

    h2 {
      margin: 0 0 10px;
      font-size: 1rem;
      letter-spacing: 0.02em;
    }

    table { width: 100%; border-collapse: collapse; font-size: 0.86rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); vertical-align: top; }
    th { color: var(--muted); font-weight: 600; }

    .mono { font-family: "SFMono-Regular", "JetBrains Mono", Menlo, monospace; font-size: 0.82rem; }
    .ok { color: var(--accent); }
    .warn { color: var(--accent-2); }
    .err { color: var(--danger); }

    #statusMessage { margin-top: 8px; font-size: 0.85rem; }

    ul.findings { list-style: none; margin: 0; padding: 0; display: grid; gap: 6px; font-size: 0.85rem; }
    ul.findings li { border: 1px solid var(--line); border-left: 3px solid var(--accent-2); border-radius: 8px; padding: 7px 9px; }
    ul.findings li.repaired { border-left-color: var(--accent); }
  </style>
</head>
<body>
  <main class="shell">
    <header class="bar" id="topBar">
      <h1>TrackRelay Control Surface</h1>
      <div class="sub">issue sync engine | API base: <span id="apiBase" class="mono">-</span> | updated: <span id="lastUpdated">-</span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token (sync:read)" autocomplete="off" />
        <button id="refresh" type="button">Refresh</button>
        <button id="reconcile" type="button">Run Reconcile</button>
        <button id="tail" type="button">Start Tail</button>
      </div>
      <div id="statusMessage"></div>
    </header>

    <section class="grid grid-cards">
      <article class="card"><div class="label">Platforms</div><div id="platforms" class="value mono">-</div></article>
      <article class="card"><div class="label">Queue</div><div id="queue" class="value mono">-</div></article>
      <article class="card"><div class="label">Processed</div><div id="processed" class="value">0</div></article>
      <article class="card"><div class="label">Skipped</div><div id="skipped" class="value">0</div></article>
      <article class="card"><div class="label">Failed</div><div id="failed" class="value">0</div></article>
      <article class="card"><div class="label">Alert</div><div id="alert" class="value">-</div></article>
    </section>

    <section class="grid grid-wide">
      <article class="panel">
        <h2>Recent Activity</h2>
        <table>
          <thead>
            <tr><th>Time</th><th>Record</th><th>Action</th><th>Status</th><th>Detail</th></tr>
          </thead>
          <tbody id="activityRows"></tbody>
        </table>
      </article>

      <article class="panel">
        <h2>Drift</h2>
        <div class="sub">last run: <span id="driftRun">-</span> | groups: <span id="driftGroups">0</span></div>
        <ul id="driftFindings" class="findings"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = {
        timer: null,
        intervalMs: 5000,
        socket: null,
        rows: [],
        maxRows: 40,
      };

      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        reconcile: document.getElementById("reconcile"),
        tail: document.getElementById("tail"),
        apiBase: document.getElementById("apiBase"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        platforms: document.getElementById("platforms"),
        queue: document.getElementById("queue"),
        processed: document.getElementById("processed"),
        skipped: document.getElementById("skipped"),
        failed: document.getElementById("failed"),
        alert: document.getElementById("alert"),
        activityRows: document.getElementById("activityRows"),
        driftRun: document.getElementById("driftRun"),
        driftGroups: document.getElementById("driftGroups"),
        driftFindings: document.getElementById("driftFindings"),
      };

      function getBase() {
        return window.location.origin;
      }

      function getToken() {
        return dom.token.value.trim();
      }

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path, options) {
        const token = getToken();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(getBase() + path, {
          method: (options && options.method) || "GET",
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid("dash"),
          },
        });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function statusClass(status) {
        if (status === "failed") { return "err"; }
        if (status === "warning") { return "warn"; }
        return "ok";
      }

      function activityRow(item) {
        const tr = document.createElement("tr");
        const when = item.time ? new Date(item.time).toLocaleTimeString() : "-";
        tr.innerHTML =
          "<td>" + when + "</td>" +
          "<td class=\"mono\">" + String(item.key || "-") + "</td>" +
          "<td>" + String(item.action || "-") + "</td>" +
          "<td class=\"" + statusClass(String(item.status || "")) + "\">" + String(item.status || "-") + "</td>" +
          "<td>" + String(item.detail || "") + "</td>";
        return tr;
      }

      function renderActivity(items) {
        store.rows = (items || []).slice(0, store.maxRows);
        dom.activityRows.innerHTML = "";
        if (store.rows.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">No activity yet</td>";
          dom.activityRows.appendChild(tr);
          return;
        }
        store.rows.forEach((item) => dom.activityRows.appendChild(activityRow(item)));
      }

      function prependActivity(item) {
        store.rows.unshift(item);
        store.rows = store.rows.slice(0, store.maxRows);
        renderActivity(store.rows);
      }

      function renderDrift(report) {
        if (!report) {
          dom.driftRun.textContent = "never";
          dom.driftGroups.textContent = "0";
          dom.driftFindings.innerHTML = "<li>No reconciliation has run yet</li>";
          return;
        }
        dom.driftRun.textContent = report.finished ? new Date(report.finished).toLocaleTimeString() : "-";
        dom.driftGroups.textContent = String(report.groups || 0);
        dom.driftFindings.innerHTML = "";
        const findings = report.findings || [];
        if (findings.length === 0) {
          dom.driftFindings.innerHTML = "<li class=\"repaired\">Clean</li>";
          return;
        }
        findings.slice(0, 30).forEach((finding) => {
          const li = document.createElement("li");
          if (finding.repaired) {
            li.classList.add("repaired");
          }
          li.textContent = String(finding.kind || "?") + " | " + String(finding.key || "-") +
            " @ " + String(finding.platform || "-") +
            (finding.detail ? " | " + String(finding.detail) : "");
          dom.driftFindings.appendChild(li);
        });
      }

      async function refresh() {
        setStatus("refreshing...", "warn");
        try {
          const status = await request("/v1/admin/status");
          dom.platforms.textContent = (status.platforms || []).join("\n") || "-";
          dom.queue.textContent = String(status.queueDepth || 0) + "/" + String(status.queueCapacity || 0);
          dom.processed.textContent = String(status.processed || 0);
          dom.skipped.textContent = String(status.skipped || 0);
          dom.failed.textContent = String(status.failed || 0);
          dom.alert.textContent = status.alertOpen ? "OPEN" : "clear";
          dom.alert.className = status.alertOpen ? "value err" : "value ok";
          renderDrift(status.lastReconcile || null);

          const page = await request("/v1/admin/activity?limit=" + store.maxRows);
          renderActivity(page.activities || []);

          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("trackrelay_dashboard_token", getToken());
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      async function runReconcile() {
        setStatus("reconciling...", "warn");
        try {
          const report = await request("/v1/admin/reconcile", { method: "POST" });
          renderDrift(report);
          setStatus("reconcile done", "ok");
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function stopTail() {
        if (store.socket) {
          store.socket.close();
          store.socket = null;
        }
        dom.tail.textContent = "Start Tail";
      }

      function startTail() {
        const token = getToken();
        if (!token) {
          setStatus("missing token", "err");
          return;
        }
        stopTail();
        const wsBase = getBase().replace(/^http/, "ws");
        const socket = new WebSocket(wsBase + "/v1/admin/activity/stream?token=" + encodeURIComponent(token));
        socket.onmessage = function (msg) {
          try {
            prependActivity(JSON.parse(msg.data));
          } catch (err) {
            // ignore undecodable frames
          }
        };
        socket.onclose = function () {
          if (store.socket === socket) {
            store.socket = null;
            dom.tail.textContent = "Start Tail";
          }
        };
        store.socket = socket;
        dom.tail.textContent = "Stop Tail";
        setStatus("tailing activity stream", "ok");
      }

      dom.refresh.addEventListener("click", refresh);
      dom.reconcile.addEventListener("click", runReconcile);
      dom.tail.addEventListener("click", function () {
        if (store.socket) {
          stopTail();
        } else {
          startTail();
        }
      });
      dom.token.addEventListener("change", refresh);

      const savedToken = window.localStorage.getItem("trackrelay_dashboard_token") || "";
      dom.token.value = savedToken;
      dom.apiBase.textContent = getBase();

      store.timer = setInterval(refresh, store.intervalMs);
      if (savedToken) {
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
