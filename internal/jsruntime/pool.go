// Package jsruntime executes site handlers inside pooled goja VMs. A
// handler is a JS file defining handler(request); it runs synchronously
// under the request budget with access to the host only through the
// injected fazt.* capabilities. VMs are recycled across executions and
// re-armed with fresh capabilities each time; an interrupted VM is
// discarded rather than reused.
package jsruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/egress"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/metrics"
	"github.com/fazt-sh/fazt/internal/realtime"
	"github.com/fazt-sh/fazt/internal/sitedata"
)

// programCacheSize bounds compiled programs kept across executions.
// Programs are content-addressed by file hash, so redeploys naturally
// age old entries out.
const programCacheSize = 256

var errDeadline = errors.New("execution deadline exceeded")

// Request is the descriptor handed to handler(request). Header keys are
// lowercased and carry first values only.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    string
}

// FromHTTP flattens an http.Request into a handler descriptor. The body
// must already be read by the caller, which owns size limits.
func FromHTTP(r *http.Request, body []byte) Request {
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	headers := make(map[string]string)
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = vs[0]
		}
	}
	return Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   query,
		Headers: headers,
		Body:    string(body),
	}
}

func (r Request) toJS() map[string]interface{} {
	return map[string]interface{}{
		"method":  r.Method,
		"path":    r.Path,
		"query":   r.Query,
		"headers": r.Headers,
		"body":    r.Body,
	}
}

// Response is the normalized handler reply.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Caps scopes one execution to its app. Env holds the manifest
// environment; secrets never appear here.
type Caps struct {
	SiteID string
	AppID  string
	Env    map[string]string
	Data   *sitedata.Store
	Hubs   *realtime.Manager
	Net    *egress.Proxy
}

// Pool recycles goja VMs across handler executions.
type Pool struct {
	vms      chan *goja.Runtime
	programs *lru.Cache[string, *goja.Program]
	deadline time.Duration
}

// NewPool builds a pool of cfg.PoolSize VMs, clamped to cfg.MaxPoolSize.
func NewPool(cfg config.RuntimeConfig) (*Pool, error) {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	if cfg.MaxPoolSize > 0 && size > cfg.MaxPoolSize {
		size = cfg.MaxPoolSize
	}
	deadline := cfg.HandlerDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	programs, err := lru.New[string, *goja.Program](programCacheSize)
	if err != nil {
		return nil, kerrors.Internal("runtime.new", err)
	}

	p := &Pool{
		vms:      make(chan *goja.Runtime, size),
		programs: programs,
		deadline: deadline,
	}
	for i := 0; i < size; i++ {
		p.vms <- newVM()
	}
	log.Debug().Int("size", size).Msg("JS runtime pool ready")
	return p, nil
}

func newVM() *goja.Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(2048)
	return vm
}

// program returns the compiled form of source, compiling at most once
// per content hash.
func (p *Pool) program(name, source, hash string) (*goja.Program, error) {
	if prog, ok := p.programs.Get(hash); ok {
		return prog, nil
	}
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, kerrors.Handler("runtime.compile", err)
	}
	p.programs.Add(hash, prog)
	return prog, nil
}

// Execute runs the handler defined by source against req. source is the
// handler file content and hash its content address from the VFS.
func (p *Pool) Execute(ctx context.Context, caps Caps, source, hash string, req Request) (*Response, error) {
	const op = "runtime.execute"
	start := time.Now()

	prog, err := p.program(caps.SiteID+"/handler.js", source, hash)
	if err != nil {
		metrics.RecordExecution("error", time.Since(start))
		return nil, err
	}

	vm, err := p.acquire(ctx)
	if err != nil {
		metrics.RecordExecution("rejected", time.Since(start))
		return nil, err
	}

	b := newBridge(vm, ctx, caps)
	if err := b.install(); err != nil {
		p.vms <- vm
		metrics.RecordExecution("error", time.Since(start))
		return nil, err
	}

	// A stale handler from the previous execution must never answer for
	// a program that fails to define its own.
	global := vm.GlobalObject()
	_ = global.Set("handler", goja.Undefined())

	remaining := budget.Remaining(ctx)
	if remaining > p.deadline {
		remaining = p.deadline
	}
	timer := time.AfterFunc(remaining, func() {
		vm.Interrupt(errDeadline)
	})

	resp, execErr := p.run(vm, b, prog, req)

	timer.Stop()
	vm.ClearInterrupt()

	// A VM that observed an interrupt mid-execution is in an unknown
	// state. Replace it; an unobserved interrupt is cleared above.
	var ie *goja.InterruptedError
	if errors.As(execErr, &ie) {
		p.vms <- newVM()
	} else {
		p.vms <- vm
	}

	if execErr != nil {
		outcome := "error"
		if ie != nil {
			outcome = "interrupt"
		}
		metrics.RecordExecution(outcome, time.Since(start))
		return nil, p.mapExecErr(op, b, execErr)
	}

	metrics.RecordExecution("ok", time.Since(start))
	return resp, nil
}

func (p *Pool) acquire(ctx context.Context) (*goja.Runtime, error) {
	if ctx.Err() != nil {
		return nil, kerrors.Unavailable("runtime.acquire", "request budget exhausted")
	}
	waitCtx, cancel := budget.ForOp(ctx, p.deadline)
	defer cancel()
	select {
	case vm := <-p.vms:
		return vm, nil
	case <-waitCtx.Done():
		return nil, kerrors.Unavailable("runtime.acquire", "vm pool saturated")
	}
}

func (p *Pool) run(vm *goja.Runtime, b *bridge, prog *goja.Program, req Request) (*Response, error) {
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, err
	}

	fn, ok := goja.AssertFunction(vm.Get("handler"))
	if !ok {
		return nil, kerrors.Handler("runtime.execute", errors.New("handler(request) is not defined"))
	}

	result, err := fn(goja.Undefined(), vm.ToValue(req.toJS()))
	if err != nil {
		return nil, err
	}
	return toResponse(result)
}

// mapExecErr folds goja failures onto the kernel taxonomy. Retryable
// kernel errors thrown by capabilities keep their retryability so the
// HTTP layer can answer 503; everything else is a handler failure.
func (p *Pool) mapExecErr(op string, b *bridge, err error) error {
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		return ke
	}

	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if b.lastErr != nil && kerrors.IsRetryable(b.lastErr) {
			return b.lastErr
		}
		return kerrors.Handler(op, errDeadline)
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		if thrown := kernelFromThrown(ex.Value()); thrown != nil && thrown.Retryable {
			return thrown
		}
		return kerrors.Handler(op, ex)
	}

	return kerrors.Handler(op, err)
}

// kernelFromThrown rebuilds a kernel error from a thrown capability
// error object ({code, message, retryable}). Returns nil for plain JS
// values.
func kernelFromThrown(v goja.Value) *kerrors.Error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	codeVal := obj.Get("code")
	if codeVal == nil || goja.IsUndefined(codeVal) {
		return nil
	}
	code := codeVal.String()
	msg := ""
	if mv := obj.Get("message"); mv != nil && !goja.IsUndefined(mv) {
		msg = mv.String()
	}

	switch {
	case strings.HasPrefix(code, "NET_"):
		return kerrors.Net("handler.net", kerrors.NetCode(code), "%s", msg)
	case code == "STORAGE":
		retryable := false
		if rv := obj.Get("retryable"); rv != nil {
			retryable = rv.ToBoolean()
		}
		if retryable {
			return kerrors.StorageRetryable("handler.storage", "%s", msg)
		}
		return nil
	default:
		return nil
	}
}

// toResponse validates and normalizes the handler's return value.
func toResponse(v goja.Value) (*Response, error) {
	const op = "runtime.respond"

	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, kerrors.Handler(op, errors.New("handler returned no response"))
	}

	exported := v.Export()
	m, ok := exported.(map[string]interface{})
	if !ok {
		return nil, kerrors.Handler(op, fmt.Errorf("handler returned %T, want an object", exported))
	}

	resp := &Response{Status: http.StatusOK, Headers: make(map[string]string)}

	if raw, ok := m["status"]; ok {
		status, valid := asInt(raw)
		if !valid || status < 100 || status > 599 {
			return nil, kerrors.Handler(op, fmt.Errorf("invalid status %v", raw))
		}
		resp.Status = status
	}

	if raw, ok := m["headers"]; ok {
		hm, valid := raw.(map[string]interface{})
		if !valid {
			return nil, kerrors.Handler(op, errors.New("headers must be an object"))
		}
		for k, hv := range hm {
			resp.Headers[strings.ToLower(k)] = fmt.Sprint(hv)
		}
	}

	if raw, ok := m["json"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, kerrors.Handler(op, fmt.Errorf("unserializable json response: %w", err))
		}
		resp.Body = data
		if _, set := resp.Headers["content-type"]; !set {
			resp.Headers["content-type"] = "application/json"
		}
		return resp, nil
	}

	if raw, ok := m["body"]; ok {
		s, valid := raw.(string)
		if !valid {
			return nil, kerrors.Handler(op, fmt.Errorf("body must be a string, got %T", raw))
		}
		resp.Body = []byte(s)
		if _, set := resp.Headers["content-type"]; !set {
			resp.Headers["content-type"] = "text/plain; charset=utf-8"
		}
	}

	return resp, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		if n == float64(int64(n)) {
			return int(n), true
		}
	case int:
		return n, true
	}
	return 0, false
}
