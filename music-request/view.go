package main

import "html/template"

var indexPage = template.Must(template.New("music-request").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#22c55e; --head:#212529 }
    *{ box-sizing:border-box }
    body{ margin:0; background:var(--bg); color:var(--fg); font-family:ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    header{ background:var(--head); padding:14px 20px; display:flex; justify-content:space-between; align-items:center }
    header h1{ margin:0; font-size:20px }
    .wrap{ margin:0 auto; padding:20px; max-width:1400px; display:grid; grid-template-columns:minmax(0,2fr) minmax(0,1fr); gap:16px }
    .panel{ background:var(--panel); border:1px solid var(--border); border-radius:10px; padding:12px }
    .panel h2{ margin:0 0 8px 0; font-size:14px; color:var(--muted) }
    .input{ border:1px solid var(--border); border-radius:8px; padding:10px 12px; background:#0b1220; color:var(--fg); min-width:220px }
    .btn{ background:transparent; border:1px solid var(--border); border-radius:8px; padding:10px 12px; cursor:pointer; color:var(--fg) }
    .btn:hover{ border-color:var(--accent) }
    .row{ display:flex; gap:8px; margin-top:8px }
    .list{ list-style:none; margin:0; padding:0; max-height:320px; overflow:auto }
    .list li{ padding:6px 4px; border-bottom:1px dashed #1f2a37 }
    .meta{ color:var(--muted); font-size:12px }
    .now{ font-size:18px; font-weight:700; min-height:24px }
    .pill{ border:1px solid var(--border); border-radius:999px; padding:3px 8px; font-size:12px; color:var(--muted); margin-right:4px }
    .admin{ display:none }
    body.is-admin .admin{ display:inline-block }
  </style>
</head>
<body>
  <header><h1 id="title">{{.Title}}</h1><span class="meta">{{.Name}}</span></header>
  <div class="wrap">
    <div>
      <div class="panel">
        <h2>Now playing</h2>
        <div class="now" id="now">-</div>
        <div class="row admin">
          <button class="btn" id="next">Next</button>
          <button class="btn" id="stop">Stop</button>
        </div>
      </div>
      <div class="panel" style="margin-top:16px">
        <h2>Queue</h2>
        <ul class="list" id="queue"></ul>
        <div class="row">
          <input class="input" id="song" placeholder="YouTube link or song name" />
          <button class="btn" id="request">Request</button>
        </div>
      </div>
      <div class="panel" style="margin-top:16px">
        <h2>History</h2>
        <ul class="list" id="history"></ul>
      </div>
    </div>
    <div>
      <div class="panel">
        <h2>Listeners</h2>
        <div id="users"></div>
      </div>
      <div class="panel" style="margin-top:16px">
        <h2>Chat</h2>
        <ul class="list" id="chat"></ul>
        <div class="row">
          <input class="input" id="text" placeholder="Say something" />
          <button class="btn" id="send">Send</button>
        </div>
      </div>
    </div>
  </div>
<script>
(function(){
  const $ = (id) => document.getElementById(id);
  const base = location.pathname.endsWith('/') ? location.pathname : location.pathname + '/';
  let name = localStorage.getItem('musicreq:name') || '';
  while (!name) { name = (prompt('Your name') || '').trim(); }
  localStorage.setItem('musicreq:name', name);
  const password = localStorage.getItem('musicreq:password') || '';
  let chat = [];
  let ws;

  function send(event, data){ if (ws && ws.readyState === 1) ws.send(JSON.stringify({event, data})); }
  function text(el, s){ el.textContent = s; return el; }
  function li(s, meta){
    const el = document.createElement('li');
    text(el, s);
    if (meta) { const m = document.createElement('div'); m.className = 'meta'; text(m, meta); el.appendChild(m); }
    return el;
  }
  function renderSongs(id, songs){
    const ul = $(id); ul.innerHTML = '';
    (songs || []).forEach(s => ul.appendChild(li(s.songTitle || s.song, s.requestedBy + ' · ' + s.songDuration)));
  }
  function renderCurrent(s){ text($('now'), s ? (s.songTitle || s.song) + ' (' + s.requestedBy + ')' : '-'); }
  function renderUsers(users){
    const box = $('users'); box.innerHTML = '';
    (users || []).forEach(u => { const p = document.createElement('span'); p.className = 'pill'; text(p, u.username); box.appendChild(p); });
  }
  function renderChat(){
    const ul = $('chat'); ul.innerHTML = '';
    chat.slice().reverse().forEach(m => ul.appendChild(li(m.sender + ': ' + m.text, new Date(m.timestamp).toLocaleTimeString())));
    ul.scrollTop = ul.scrollHeight;
  }
  function setTitle(t){ document.title = t; text($('title'), t); }
  function setColor(c){ document.documentElement.style.setProperty('--head', c); }

  const handlers = {
    'initial-state': (s) => {
      renderSongs('queue', s.songQueue); renderCurrent(s.currentSong); renderUsers(s.activeUsers);
      renderSongs('history', s.songHistory); chat = s.chatHistory || []; renderChat();
      setColor(s.headerColor); setTitle(s.title);
    },
    'update-active-users': renderUsers,
    'update-song-queue': (q) => renderSongs('queue', q),
    'update-current-song': renderCurrent,
    'update-song-history': (h) => renderSongs('history', h),
    'update-chat-history': (c) => { chat = c || []; renderChat(); },
    'new-chat-message': (m) => { chat.unshift(m); renderChat(); },
    'update-header-color': setColor,
    'update-title': setTitle,
    'server-shutdown': () => text($('now'), 'server is restarting...'),
  };

  function connect(){
    const proto = location.protocol === 'https:' ? 'wss' : 'ws';
    const auth = btoa(String.fromCharCode(...new TextEncoder().encode(password))).replace(/\+/g, '-').replace(/\//g, '_').replace(/=+$/, '');
    ws = new WebSocket(proto + '://' + location.host + base + 'ws', ['musicreq', 'auth.' + auth]);
    ws.onopen = () => send('set-name', name);
    ws.onmessage = (ev) => {
      const msg = JSON.parse(ev.data);
      const fn = handlers[msg.event];
      if (fn) fn(msg.data);
    };
    ws.onclose = () => setTimeout(connect, 2000);
  }

  fetch(base + 'api/login', {method:'POST', headers:{'Content-Type':'application/json'}, body: JSON.stringify({password})})
    .then(r => r.json()).then(r => { if (r.role === 'admin') document.body.classList.add('is-admin'); }).catch(() => {});

  $('request').onclick = () => { const v = $('song').value.trim(); if (v) { send('request-song', {song: v}); $('song').value = ''; } };
  $('send').onclick = () => { const v = $('text').value.trim(); if (v) { send('chat-message', v); $('text').value = ''; } };
  $('text').onkeydown = (e) => { if (e.key === 'Enter') $('send').onclick(); };
  $('song').onkeydown = (e) => { if (e.key === 'Enter') $('request').onclick(); };
  $('next').onclick = () => send('auto-play-next');
  $('stop').onclick = () => send('stop-song');
  connect();
})();
</script>
</body>
</html>
`))
