// Package gateway - dashboard.go serves the operator panel at /.
//
// DESIGN: A single embedded HTML page, no build step. It polls /index and
// /pending, subscribes to /events for live refresh, and posts decisions
// back to /pending/{id}/{action}.
package gateway

import (
	"net/http"
)

func (g *Gateway) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Approval Gateway</title>
<style>
  body { font-family: system-ui, sans-serif; background: #0a0a0a; color: #e5e7eb; margin: 0; padding: 24px; }
  h1 { font-size: 20px; margin: 0 0 4px; }
  .sub { color: #9ca3af; font-size: 13px; margin-bottom: 20px; }
  .cols { display: flex; gap: 24px; align-items: flex-start; }
  .col { flex: 1; min-width: 0; }
  h2 { font-size: 14px; color: #9ca3af; text-transform: uppercase; letter-spacing: .05em; }
  .card { background: #171717; border: 1px solid #262626; border-radius: 8px; padding: 12px; margin-bottom: 10px; }
  .card .id { font-family: monospace; color: #22c55e; font-size: 12px; }
  .card .meta { color: #9ca3af; font-size: 12px; margin: 4px 0; }
  .card pre { white-space: pre-wrap; word-break: break-word; max-height: 180px; overflow-y: auto;
              background: #0a0a0a; padding: 8px; border-radius: 4px; font-size: 12px; }
  button { background: #262626; color: #e5e7eb; border: 1px solid #404040; border-radius: 6px;
           padding: 5px 12px; margin-right: 6px; cursor: pointer; font-size: 13px; }
  button:hover { background: #404040; }
  button.ok { border-color: #22c55e; } button.no { border-color: #ef4444; }
  #stream { font-family: monospace; font-size: 12px; color: #a3a3a3; white-space: pre-wrap; }
  .pill { display: inline-block; padding: 1px 8px; border-radius: 10px; font-size: 11px; background: #262626; }
  .pill.err { background: #7f1d1d; }
</style>
</head>
<body>
<h1>Approval Gateway</h1>
<div class="sub" id="health">connecting...</div>
<div style="margin-bottom:16px">
  <button onclick="post('/pause')">Pause</button>
  <button onclick="post('/unpause')">Resume</button>
</div>
<div class="cols">
  <div class="col"><h2>Pending</h2><div id="pending"></div>
    <h2>Live stream</h2><div id="stream"></div></div>
  <div class="col"><h2>Turns</h2><div id="index"></div></div>
</div>
<script>
async function post(url, body) {
  await fetch(url, {method: 'POST', headers: {'Content-Type': 'application/json'},
                    body: body ? JSON.stringify(body) : '{}'});
  refresh();
}
function decide(id, action) {
  let body = {};
  if (action === 'reject') body.message = prompt('Rejection message', 'rejected by operator') || '';
  post('/pending/' + id + '/' + action, body);
}
async function refresh() {
  const h = await (await fetch('/health')).json();
  document.getElementById('health').textContent =
    h.run_dir + ' | pending ' + h.pending_count + ' | turns ' + h.turn_count +
    (h.paused ? ' | PAUSED' : '') + (h.loop_running ? ' | loop running' : ' | loop stopped');
  const p = await (await fetch('/pending')).json();
  document.getElementById('pending').innerHTML = (p.pending || []).map(it =>
    '<div class="card"><span class="id">' + it.id + '</span>' +
    '<div class="meta">' + it.stage + ' | ' + it.path + '</div>' +
    '<button class="ok" onclick="decide(\'' + it.id + '\',\'approve\')">Approve</button>' +
    '<button class="no" onclick="decide(\'' + it.id + '\',\'reject\')">Reject</button>' +
    '<button onclick="showDetail(\'' + it.id + '\')">Detail</button>' +
    '<pre id="d-' + it.id + '" style="display:none"></pre></div>').join('') || '<div class="meta">none</div>';
  const ix = await (await fetch('/index')).json();
  document.getElementById('index').innerHTML = (ix.index || []).slice(0, 40).map(e =>
    '<div class="card"><span class="id">' + e.id + '</span> ' +
    '<span class="pill' + (e.status >= 400 ? ' err' : '') + '">' +
    (e.kind === 'pending' ? e.stage : e.status) + '</span>' +
    '<div class="meta">' + e.timestamp + '</div></div>').join('');
}
async function showDetail(id) {
  const el = document.getElementById('d-' + id);
  if (el.style.display !== 'none') { el.style.display = 'none'; return; }
  const d = await (await fetch('/pending/' + id)).json();
  el.textContent = JSON.stringify(d, null, 2);
  el.style.display = 'block';
}
const es = new EventSource('/events');
es.onmessage = ev => {
  const msg = JSON.parse(ev.data);
  if (msg.type === 'stream_delta') {
    const s = document.getElementById('stream');
    if (msg.done) s.textContent = '';
    else { s.textContent += msg.delta; s.scrollTop = s.scrollHeight; }
    return;
  }
  if (msg.type !== 'ping') refresh();
};
refresh();
</script>
</body>
</html>
`
