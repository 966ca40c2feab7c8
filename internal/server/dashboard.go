package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// dashboardHandler serves the market overview page.
func (s *Server) dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>campex — market</title>
<style>
  :root {
    --bg: #0d1117; --panel: #161b22; --border: #30363d;
    --text: #e6edf3; --muted: #8b949e;
    --green: #3fb950; --red: #f85149; --accent: #58a6ff;
  }
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { background: var(--bg); color: var(--text); font-family: 'SF Mono', 'Menlo', monospace; padding: 24px; }
  h1 { font-size: 20px; margin-bottom: 4px; }
  h1 span { color: var(--accent); }
  .sub { color: var(--muted); font-size: 12px; margin-bottom: 20px; }
  .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(280px, 1fr)); gap: 16px; }
  .panel { background: var(--panel); border: 1px solid var(--border); border-radius: 8px; padding: 16px; }
  .panel h2 { font-size: 13px; color: var(--muted); text-transform: uppercase; letter-spacing: 1px; margin-bottom: 12px; }
  .big { font-size: 28px; font-weight: 600; }
  .open { color: var(--green); }
  .closed { color: var(--red); }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: var(--muted); font-weight: normal; padding: 4px 8px; border-bottom: 1px solid var(--border); }
  td { padding: 4px 8px; }
  .bid { color: var(--green); }
  .ask { color: var(--red); }
  .feed { max-height: 320px; overflow-y: auto; font-size: 12px; }
  .feed div { padding: 3px 0; border-bottom: 1px solid var(--border); color: var(--muted); }
  .feed .topic { color: var(--accent); }
  .stat { display: flex; justify-content: space-between; padding: 4px 0; font-size: 13px; }
  .stat .k { color: var(--muted); }
</style>
</head>
<body>
<h1><span>campex</span> market</h1>
<div class="sub">points-for-shares exchange &middot; <a href="/v1/market" style="color:var(--accent)">API</a></div>

<div class="grid">
  <div class="panel">
    <h2>Market</h2>
    <div class="big" id="state">&mdash;</div>
    <div class="stat"><span class="k">last price</span><span id="last">&mdash;</span></div>
    <div class="stat"><span class="k">band</span><span id="band">&mdash;</span></div>
    <div class="stat"><span class="k">volume</span><span id="volume">&mdash;</span></div>
    <div class="stat"><span class="k">IPO remaining</span><span id="ipo">&mdash;</span></div>
  </div>
  <div class="panel">
    <h2>Order Book</h2>
    <table>
      <thead><tr><th>Bid qty</th><th>Bid</th><th>Ask</th><th>Ask qty</th></tr></thead>
      <tbody id="book"></tbody>
    </table>
  </div>
  <div class="panel">
    <h2>Live Events</h2>
    <div class="feed" id="feed"></div>
  </div>
</div>

<script>
async function refresh() {
  try {
    const [mkt, price, depth, ipo] = await Promise.all([
      fetch('/v1/market').then(r => r.json()),
      fetch('/v1/price').then(r => r.json()),
      fetch('/v1/depth?levels=8').then(r => r.json()),
      fetch('/v1/ipo').then(r => r.json()),
    ]);
    const state = document.getElementById('state');
    state.textContent = mkt.open ? 'OPEN' : 'CLOSED';
    state.className = 'big ' + (mkt.open ? 'open' : 'closed');
    document.getElementById('last').textContent = price.summary.last ?? '—';
    document.getElementById('band').textContent = price.band.lo + ' – ' + price.band.hi;
    document.getElementById('volume').textContent = price.summary.volume ?? 0;
    document.getElementById('ipo').textContent = ipo.sharesRemaining ?? '—';

    const bids = depth.bids || [], asks = depth.asks || [];
    const rows = Math.max(bids.length, asks.length);
    let html = '';
    for (let i = 0; i < rows; i++) {
      const b = bids[i], a = asks[i];
      html += '<tr>'
        + '<td class="bid">' + (b ? b.qty : '') + '</td>'
        + '<td class="bid">' + (b ? b.price : '') + '</td>'
        + '<td class="ask">' + (a ? a.price : '') + '</td>'
        + '<td class="ask">' + (a ? a.qty : '') + '</td>'
        + '</tr>';
    }
    document.getElementById('book').innerHTML = html || '<tr><td colspan="4" style="color:var(--muted)">empty book</td></tr>';
  } catch (e) { /* server restarting */ }
}

function connect() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  ws.onopen = () => ws.send(JSON.stringify({ allEvents: true }));
  ws.onmessage = (msg) => {
    const e = JSON.parse(msg.data);
    const feed = document.getElementById('feed');
    const line = document.createElement('div');
    line.innerHTML = '<span class="topic">' + e.topic + '</span> ' + (e.uid || '');
    feed.prepend(line);
    while (feed.children.length > 50) feed.removeChild(feed.lastChild);
    if (e.topic === 'PRICE_UPDATED' || e.topic === 'ORDER_MATCHED') refresh();
  };
  ws.onclose = () => setTimeout(connect, 3000);
}

refresh();
setInterval(refresh, 5000);
connect();
</script>
</body>
</html>
`
