// Package gateway is the HTTP front of homegate: the connection acceptor,
// the router with its authentication, rate-limit and access-level gates,
// and the handlers behind each route.
package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/access"
	"github.com/joestump/homegate/internal/audit"
	"github.com/joestump/homegate/internal/db"
	"github.com/joestump/homegate/internal/hub"
	"github.com/joestump/homegate/internal/llm"
	"github.com/joestump/homegate/internal/pairing"
	"github.com/joestump/homegate/internal/ratelimit"
	"github.com/joestump/homegate/internal/stream"
	"github.com/joestump/homegate/internal/tools"
	"github.com/joestump/homegate/internal/toolloop"
	"github.com/joestump/homegate/internal/wire"
)

// Pairer runs the device pairing handshake and recognises the tokens it
// issues.
type Pairer interface {
	Start(clientAddr string) (pairing.Pending, error)
	Verify(pairingID, code, deviceName, clientAddr string) (token, deviceID string, err error)
	ValidateToken(token string) (deviceID string, ok bool)
}

// Enricher mutates a chat request before it is dispatched.
type Enricher interface {
	Enrich(ctx context.Context, req *llm.ChatRequest)
}

// Store is the conversation log and memory store behind the /v1 data routes.
type Store interface {
	ListSessions(limit, offset int) ([]db.Session, error)
	ListMessages(sessionID string, limit int) ([]db.Message, error)
	ListMemories(category *string, limit, offset int) ([]db.Memory, error)
	InsertMemory(m *db.Memory) (int64, error)
	GetMemory(id int64) (*db.Memory, error)
	DeleteMemory(id int64) (bool, error)
}

// Deps are the collaborators the router dispatches to. Optional ones may
// be nil; the routes that need them then answer with an error.
type Deps struct {
	Token   string
	Version string
	Level   *LevelController
	Limiter *ratelimit.Limiter
	Audit   audit.Sink
	Pairing Pairer

	Backends   *llm.Registry
	Translator *stream.Translator
	Loop       *toolloop.Loop
	Enricher   Enricher
	Observers  []stream.Observer

	Store    Store
	Policy   *access.Policy
	Files    *tools.Files
	Runner   *tools.Runner
	Searcher *tools.Searcher
	Fetcher  *tools.Fetcher
	// Events, when set, backs the live audit feed.
	Events *hub.Hub
	// Media answers image, speech and transcription requests.
	Media tools.Forwarder
	// DefaultModel prefills the chat page.
	DefaultModel string
}

// call is one authenticated request on its way through the route table.
type call struct {
	ctx    context.Context
	conn   net.Conn
	req    *wire.Request
	client string
	// device is set when the caller used a paired-device token rather
	// than the server token.
	device string
	level  access.Level
}

type handlerFunc func(c *call) *wire.Response

type route struct {
	method string
	path   string
	prefix bool
	min    access.Level
	handle handlerFunc
}

func (rt route) matches(method, path string) bool {
	if rt.method != method {
		return false
	}
	if rt.prefix {
		return strings.HasPrefix(path, rt.path)
	}
	return path == rt.path
}

// Router applies the gate sequence to every request and dispatches the
// survivors.
type Router struct {
	deps     Deps
	started  time.Time
	routes   []route
	open     map[string]handlerFunc
	chatPage []byte
}

// NewRouter builds the route table over deps.
func NewRouter(deps Deps) (*Router, error) {
	if deps.Level == nil {
		deps.Level = NewLevelController(access.ChatOnly)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(0, 0, nil)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Loop == nil {
		deps.Loop = toolloop.New(tools.NewRegistry(), 0)
	}
	if deps.Translator == nil && deps.Backends != nil {
		deps.Translator = stream.New(deps.Backends, deps.Observers...)
	}

	r := &Router{deps: deps, started: time.Now()}
	page, err := renderChatPage(deps.DefaultModel)
	if err != nil {
		return nil, err
	}
	r.chatPage = page

	r.open = map[string]handlerFunc{
		"GET /health":       r.health,
		"GET /":             r.health,
		"GET /chat":         r.chat,
		"GET /level":        r.level,
		"POST /pair":        r.pairStart,
		"POST /pair/verify": r.pairVerify,
	}
	r.routes = []route{
		{method: "POST", path: "/v1/chat/completions", min: access.ChatOnly, handle: r.chatCompletions},
		{method: "GET", path: "/v1/models", min: access.ChatOnly, handle: r.models},
		{method: "GET", path: "/v1/openapi.yaml", min: access.ChatOnly, handle: r.openAPI},
		{method: "GET", path: "/v1/sessions", min: access.ChatOnly, handle: r.sessions},
		{method: "GET", path: "/v1/messages", min: access.ChatOnly, handle: r.messages},
		{method: "GET", path: "/v1/memory", min: access.ChatOnly, handle: r.listMemories},
		{method: "POST", path: "/v1/memory", min: access.ChatOnly, handle: r.createMemory},
		{method: "GET", path: "/v1/memory/", prefix: true, min: access.ChatOnly, handle: r.getMemory},
		{method: "DELETE", path: "/v1/memory/", prefix: true, min: access.ChatOnly, handle: r.deleteMemory},
		{method: "POST", path: "/v1/search", min: access.ChatOnly, handle: r.search},
		{method: "POST", path: "/v1/fetch", min: access.ChatOnly, handle: r.fetch},
		{method: "POST", path: "/v1/images/generations", min: access.ChatOnly, handle: r.images},
		{method: "POST", path: "/v1/audio/speech", min: access.ChatOnly, handle: r.speech},
		{method: "POST", path: "/v1/audio/transcriptions", min: access.ChatOnly, handle: r.transcribe},
		{method: "GET", path: "/fs/read", min: access.ReadFiles, handle: r.fsRead},
		{method: "GET", path: "/fs/list", min: access.ReadFiles, handle: r.fsList},
		{method: "GET", path: "/system/info", min: access.ReadFiles, handle: r.systemInfo},
		{method: "GET", path: "/v1/audit", min: access.ReadFiles, handle: r.auditRecent},
		{method: "GET", path: "/v1/audit/stream", min: access.ReadFiles, handle: r.auditStream},
		{method: "POST", path: "/fs/write", min: access.WriteFiles, handle: r.fsWrite},
		{method: "POST", path: "/fs/mkdir", min: access.WriteFiles, handle: r.fsMkdir},
		{method: "POST", path: "/exec", min: access.Execute, handle: r.exec},
		{method: "POST", path: "/exec/shell", min: access.FullAccess, handle: r.execShell},
	}
	return r, nil
}

// Handle runs the gates in order; each one either passes or answers.
func (r *Router) Handle(ctx context.Context, conn net.Conn, req *wire.Request) *wire.Response {
	c := &call{ctx: ctx, conn: conn, req: req, client: clientHost(conn)}

	if req.Method == http.MethodOptions {
		return wire.Preflight()
	}
	if h, ok := r.open[req.Method+" "+req.Path]; ok {
		c.level = r.deps.Level.Get()
		return h(c)
	}

	token := req.BearerToken()
	switch {
	case token != "" && r.deps.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(r.deps.Token)) == 1:
	case token != "" && r.deps.Pairing != nil:
		id, ok := r.deps.Pairing.ValidateToken(token)
		if !ok {
			return r.deny(c, access.Off, http.StatusUnauthorized, "invalid token")
		}
		c.device = id
	default:
		return r.deny(c, access.Off, http.StatusUnauthorized, "missing or invalid bearer token")
	}

	if !r.deps.Limiter.Allow(c.identity()) {
		return r.deny(c, access.Off, http.StatusTooManyRequests, "rate limit exceeded")
	}

	if req.Method == http.MethodPost && req.Path == "/control/level" {
		return r.controlLevel(c)
	}

	c.level = r.deps.Level.Get()
	rt, found := r.match(req.Method, req.Path)
	if c.level == access.Off {
		min := access.ChatOnly
		if found {
			min = rt.min
		}
		return r.deny(c, min, http.StatusForbidden, "gateway is switched off")
	}
	if !found {
		return wire.Error(http.StatusNotFound, "not found")
	}

	reason := access.Reason(c.level, rt.min)
	if !c.level.Grants(rt.min) {
		return r.deny(c, rt.min, http.StatusForbidden, reason)
	}
	r.record(c, rt.min, true, reason)
	return rt.handle(c)
}

func (r *Router) match(method, path string) (route, bool) {
	for _, rt := range r.routes {
		if rt.matches(method, path) {
			return rt, true
		}
	}
	return route{}, false
}

func (r *Router) deny(c *call, required access.Level, status int, detail string) *wire.Response {
	r.record(c, required, false, detail)
	return wire.Error(status, detail)
}

func (r *Router) record(c *call, required access.Level, granted bool, detail string) {
	r.deps.Audit.Record(audit.Entry{
		Timestamp:  time.Now(),
		ClientAddr: c.identity(),
		Method:     c.req.Method,
		Path:       c.req.Path,
		Required:   required,
		Granted:    granted,
		Detail:     detail,
	})
}

// identity keys rate limiting and audit entries: the paired device when
// there is one, else the client's address.
func (c *call) identity() string {
	if c.device != "" {
		return "device:" + c.device
	}
	return c.client
}

func clientHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func logHandlerError(c *call, err error, msg string) {
	log.Warn().Err(err).Str("client", c.identity()).Str("path", c.req.Path).Msg(msg)
}
