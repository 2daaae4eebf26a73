package server

// DashboardHTML is the embedded single-page presence view. It connects to
// /ws and redraws the visitor table on every activeUsers message.
const DashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>trafficmon</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, monospace;
    background: #0d1117; color: #c9d1d9; padding: 20px;
  }
  h1 { color: #58a6ff; margin-bottom: 4px; font-size: 1.5em; }
  .subtitle { color: #8b949e; margin-bottom: 20px; font-size: 0.9em; }
  .status-bar {
    display: flex; gap: 20px; margin-bottom: 20px; padding: 12px 16px;
    background: #161b22; border: 1px solid #30363d; border-radius: 6px;
  }
  .status-item { display: flex; flex-direction: column; }
  .status-label { font-size: 0.75em; color: #8b949e; text-transform: uppercase; }
  .status-value { font-size: 1.1em; font-weight: 600; }
  .status-value.connected { color: #3fb950; }
  .status-value.disconnected { color: #f85149; }
  table { width: 100%; border-collapse: collapse; background: #161b22; border: 1px solid #30363d; }
  th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #21262d; font-size: 0.85em; }
  th { color: #8b949e; text-transform: uppercase; font-size: 0.75em; }
  .empty { color: #484f58; text-align: center; padding: 40px; }
</style>
</head>
<body>
<h1>trafficmon</h1>
<p class="subtitle">Live visitors</p>
<div class="status-bar">
  <div class="status-item"><span class="status-label">Socket</span><span id="conn-status" class="status-value disconnected">Disconnected</span></div>
  <div class="status-item"><span class="status-label">Active</span><span id="active" class="status-value">0</span></div>
  <div class="status-item"><span class="status-label">Updates</span><span id="seq" class="status-value">-</span></div>
</div>
<table>
  <thead><tr><th>IP</th><th>User agent</th><th>Location</th></tr></thead>
  <tbody id="visitors"><tr><td colspan="3" class="empty">Waiting for visitors...</td></tr></tbody>
</table>
<script>
function connect() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  const status = document.getElementById('conn-status');

  ws.onopen = () => { status.textContent = 'Connected'; status.className = 'status-value connected'; };
  ws.onclose = () => {
    status.textContent = 'Disconnected';
    status.className = 'status-value disconnected';
    setTimeout(connect, 2000);
  };
  ws.onmessage = (e) => {
    const msg = JSON.parse(e.data);
    if (msg.event === 'activeUsers') render(msg);
  };
}

function render(msg) {
  document.getElementById('active').textContent = msg.visitors.length;
  document.getElementById('seq').textContent = msg.seq;
  const body = document.getElementById('visitors');
  if (msg.visitors.length === 0) {
    body.innerHTML = '<tr><td colspan="3" class="empty">No one is here.</td></tr>';
    return;
  }
  body.innerHTML = msg.visitors.map(v => {
    const loc = v.location ? [v.location.city, v.location.region, v.location.country].join(', ') : '';
    return '<tr><td>' + esc(v.ip) + '</td><td>' + esc(v.userAgent) + '</td><td>' + esc(loc) + '</td></tr>';
  }).join('');
}

function esc(s) {
  const d = document.createElement('div');
  d.textContent = s;
  return d.innerHTML;
}

connect();
</script>
</body>
</html>`
