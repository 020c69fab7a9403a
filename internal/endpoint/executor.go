package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	jwt "github.com/dgrijalva/jwt-go"

	"github.com/hetu-io/hetu/internal/backend"
	"github.com/hetu-io/hetu/internal/component"
	"github.com/hetu-io/hetu/internal/floodcheck"
	"github.com/hetu-io/hetu/internal/herrors"
	"github.com/hetu-io/hetu/internal/logger"
	"github.com/hetu-io/hetu/internal/metrics"
	"github.com/hetu-io/hetu/internal/retry"
	"github.com/hetu-io/hetu/internal/session"
	"github.com/hetu-io/hetu/internal/tableref"
)

// Claims is the JWT payload elevate() verifies, carrying the caller's user
// id and admin-group so the ADMIN/USER permission checks read from a
// signed claim rather than a client-supplied plaintext field, per
// SPEC_FULL.md §4.6. Grounded on the teacher's dgrijalva/jwt-go-based
// custom Claims types (cmd/gateway, applications/auth) embedding
// jwt.StandardClaims.
type Claims struct {
	UserID     int64  `json:"uid"`
	AdminGroup string `json:"admin_group,omitempty"`
	jwt.StandardClaims
}

// Config bundles an Executor's tunables.
type Config struct {
	Instance          string
	ClusterID         int64
	FloodDefault      floodcheck.Config
	IdleTimeout       time.Duration
	AnonymousCapPerIP int
	JWTSecret         []byte
	AdminGroupPrefix  string
	// NextID mints new Connection row ids. Left nil, a process-local
	// atomic counter is used; production wiring supplies the Snowflake
	// generator's NextID instead (cmd/hetud).
	NextID func() int64
}

// Executor owns the Connection component and the endpoint registry,
// implementing spec.md §4.6's initialize/dispatch/elevate/terminate
// lifecycle.
type Executor struct {
	client backend.Client
	cfg    Config

	connDef *component.Definition
	defs    map[string]*component.Definition
	ref     tableref.Ref

	endpoints map[string]*Definition

	log     *logger.Logger
	metrics *metrics.Metrics

	fallbackID atomic.Int64
}

// New builds an Executor. endpoints is the full registered set; an
// invalid definition (missing handler, OWNER/RLS permission, bad arg
// bounds) fails construction.
func New(client backend.Client, cfg Config, endpoints map[string]*Definition, log *logger.Logger, m *metrics.Metrics) (*Executor, error) {
	connDef, err := connectionDefinition()
	if err != nil {
		return nil, err
	}
	for _, d := range endpoints {
		if err := d.validate(); err != nil {
			return nil, err
		}
	}

	e := &Executor{
		client:    client,
		cfg:       cfg,
		connDef:   connDef,
		defs:      map[string]*component.Definition{connDef.FullName(): connDef},
		ref:       tableref.New(connectionComponentName, cfg.Instance, cfg.ClusterID),
		endpoints: endpoints,
		log:       log,
		metrics:   m,
	}
	e.fallbackID.Store(time.Now().UnixNano())
	return e, nil
}

// ComponentDefinitions returns the Connection component definition this
// Executor addresses, for the startup schema-ensure pass.
func (e *Executor) ComponentDefinitions() map[string]*component.Definition {
	return e.defs
}

func (e *Executor) nextID() int64 {
	if e.cfg.NextID != nil {
		return e.cfg.NextID()
	}
	return e.fallbackID.Add(1)
}

func isLoopback(address string) bool {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}

// Initialize allocates a Connection row for a newly-accepted socket,
// enforcing the per-IP anonymous-connection cap (bypassed for loopback
// addresses), per spec.md §4.6.
func (e *Executor) Initialize(goCtx context.Context, address, device, deviceID string) (*Context, error) {
	id := e.nextID()
	now := time.Now().UnixMilli()

	// The row stores the peer's IP without its port, so the cap counts every
	// connection from one IP.
	ip := address
	if host, _, splitErr := net.SplitHostPort(address); splitErr == nil {
		ip = host
	}

	err := session.Transact(goCtx, e.client, e.ref, e.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(connectionComponentName)
		if err != nil {
			return err
		}

		if !isLoopback(address) && e.cfg.AnonymousCapPerIP > 0 {
			rows, err := repo.Range(goCtx, "address", ip, ip, -1, false)
			if err != nil {
				return err
			}
			anon := 0
			for _, row := range rows {
				if connectionOwner(row) == 0 {
					anon++
				}
			}
			if anon >= e.cfg.AnonymousCapPerIP {
				return herrors.AsClientFacing(herrors.Validation("too many anonymous connections from this address"))
			}
		}

		return repo.Insert(goCtx, map[string]interface{}{
			"id": id, "owner": int64(0), "address": ip,
			"device": device, "device_id": deviceID,
			"admin": "", "created": now, "last_active": now,
		})
	})
	if err != nil {
		return nil, err
	}

	ctx := newContext(id, address, device, deviceID, floodcheck.New(e.cfg.FloodDefault))
	ctx.lastActiveWriteAt = time.Now()
	return ctx, nil
}

// Terminate removes ctx's Connection row. Idempotent: a row already gone
// (prior terminate, or a kick) is not an error.
func (e *Executor) Terminate(goCtx context.Context, ctx *Context) error {
	return session.Transact(goCtx, e.client, e.ref, e.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(connectionComponentName)
		if err != nil {
			return err
		}
		_, found, err := repo.Get(goCtx, ctx.ConnectionID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return repo.Delete(goCtx, ctx.ConnectionID)
	})
}

// Dispatch runs one RPC per spec.md §4.6 steps 1-5. disconnect reports
// whether the connection must be torn down: an unknown endpoint, an
// out-of-bounds argument count, a failed alive-check, or a denied
// permission are all protocol violations per spec.md §7's VALIDATION and
// PERMISSION-DENIED policy for client input. A handler error only
// disconnects unless the handler opted it in as client-facing
// (herrors.AsClientFacing) — in that case reply carries {error, message}.
func (e *Executor) Dispatch(goCtx context.Context, ctx *Context, namespace, name string, args []interface{}) (reply interface{}, disconnect bool, err error) {
	def, ok := e.endpoints[namespace+"."+name]
	if !ok {
		return nil, true, herrors.Validation(fmt.Sprintf("endpoint: unknown endpoint %s.%s", namespace, name))
	}
	if !def.acceptsArgCount(len(args)) {
		min := def.ArgCount - def.DefaultArgs
		return nil, true, herrors.Validation(fmt.Sprintf("endpoint %s: expects between %d and %d arguments, got %d", def.FullName(), min, def.ArgCount, len(args)))
	}

	if err := e.aliveCheck(goCtx, ctx); err != nil {
		return nil, true, err
	}

	if !component.CheckTablePermission(def.Permission, component.CallerContext{Caller: ctx.Caller, AdminGroup: ctx.AdminGroup}, e.cfg.AdminGroupPrefix) {
		return nil, true, herrors.PermissionDenied(fmt.Sprintf("endpoint %s: permission denied", def.FullName()))
	}

	resp, herr := def.Handler(ctx, args)
	if herr != nil {
		he := herrors.As(herr)
		if he != nil && he.ClientFacing {
			return errorFrame{Error: string(he.Kind), Message: he.Message}, false, nil
		}
		return nil, true, herr
	}
	if resp != nil {
		return resp.Payload, false, nil
	}
	return okSentinel{OK: true}, false, nil
}

// errorFrame is the ["rsp", {error, message}] reply body spec.md §7
// describes for an opted-in client-facing error.
type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type okSentinel struct {
	OK bool `json:"ok"`
}

// aliveCheck reloads ctx's Connection row: missing, or an owner that no
// longer matches ctx.Caller, means the connection was kicked. Writes
// last_active at most once per fifth of the idle-timeout window.
func (e *Executor) aliveCheck(goCtx context.Context, ctx *Context) error {
	writeThreshold := e.cfg.IdleTimeout / 5
	shouldWrite := writeThreshold <= 0 || time.Since(ctx.lastActiveWriteAt) >= writeThreshold

	return session.Transact(goCtx, e.client, e.ref, e.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(connectionComponentName)
		if err != nil {
			return err
		}
		row, found, err := repo.Get(goCtx, ctx.ConnectionID)
		if err != nil {
			return err
		}
		if !found || connectionOwner(row) != ctx.Caller {
			return herrors.PermissionDenied("connection was kicked")
		}
		if shouldWrite {
			now := time.Now()
			if err := repo.Update(goCtx, ctx.ConnectionID, map[string]interface{}{"last_active": now.UnixMilli()}); err != nil {
				return err
			}
			ctx.lastActiveWriteAt = now
		}
		return nil
	})
}

// Elevate implements spec.md §4.6's atomic login promotion: verifies
// token, refuses a connection that is already authenticated, optionally
// evicts a stale or force-kicked prior connection for the same user, and
// widens ctx's flood budgets on success.
func (e *Executor) Elevate(goCtx context.Context, ctx *Context, token string, kickLoggedIn bool) error {
	if ctx.Caller > 0 {
		return herrors.PermissionDenied("connection is already authenticated")
	}

	claims, err := e.verifyToken(token)
	if err != nil {
		return herrors.AsClientFacing(herrors.Validation("elevate: invalid token: " + err.Error()))
	}

	err = session.Transact(goCtx, e.client, e.ref, e.defs, retry.DefaultConfig(), func(sess *session.Session) error {
		repo, err := sess.Repository(connectionComponentName)
		if err != nil {
			return err
		}

		existing, found, err := repo.GetByIndex(goCtx, "owner", claims.UserID)
		if err != nil {
			return err
		}
		if found {
			idle := time.Since(time.UnixMilli(connectionLastActive(existing)))
			if idle <= e.cfg.IdleTimeout && !kickLoggedIn {
				return herrors.UserAlreadyLoggedIn(claims.UserID)
			}
			existingID, _ := existingRowID(existing)
			if err := repo.Update(goCtx, existingID, map[string]interface{}{"owner": int64(0)}); err != nil {
				return err
			}
		}

		// This connection's own row was never read this session (the
		// "owner" index lookup above matches a different row, or
		// nothing); load it before Update so the identity map has an
		// entry to diff against.
		if _, _, err := repo.Get(goCtx, ctx.ConnectionID); err != nil {
			return err
		}
		return repo.Update(goCtx, ctx.ConnectionID, map[string]interface{}{
			"owner": claims.UserID, "admin": claims.AdminGroup,
		})
	})
	if err != nil {
		return err
	}

	ctx.Caller = claims.UserID
	ctx.AdminGroup = claims.AdminGroup
	ctx.Flood.Elevate()
	ctx.SubscriptionBudgetMultiplier = 50
	return nil
}

func existingRowID(row map[string]interface{}) (int64, bool) {
	switch v := row["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (e *Executor) verifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
