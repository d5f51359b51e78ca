package jsruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/egress"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// bridge wires one execution's capabilities into a VM. It records the
// last host error it threw so an interrupt that lands while a handler
// spins on a retryable failure can surface that failure instead of a
// generic deadline.
type bridge struct {
	vm      *goja.Runtime
	ctx     context.Context
	caps    Caps
	counter *egress.CallCounter
	lastErr error
}

func newBridge(vm *goja.Runtime, ctx context.Context, caps Caps) *bridge {
	return &bridge{vm: vm, ctx: ctx, caps: caps, counter: egress.NewCallCounter()}
}

// throw records err and raises it into JS as {code, message, retryable}.
func (b *bridge) throw(err error) {
	b.lastErr = err
	ke := kerrors.AsKernel(err)
	obj := b.vm.NewObject()
	_ = obj.Set("code", ke.JSCode())
	_ = obj.Set("message", ke.Message())
	_ = obj.Set("retryable", ke.Retryable)
	panic(obj)
}

func (b *bridge) throwValidation(op, format string, args ...interface{}) {
	b.throw(kerrors.Validation(op, format, args...))
}

// install sets the fazt and console globals for this execution.
func (b *bridge) install() error {
	fazt := b.vm.NewObject()

	if err := b.installEnv(fazt); err != nil {
		return err
	}
	if err := b.installStorage(fazt); err != nil {
		return err
	}
	if err := b.installRealtime(fazt); err != nil {
		return err
	}
	if err := b.installNet(fazt); err != nil {
		return err
	}

	if err := b.vm.Set("fazt", fazt); err != nil {
		return kerrors.Internal("runtime.bridge", err)
	}
	return b.vm.Set("console", b.console())
}

func arg(call goja.FunctionCall, i int) goja.Value {
	if i < len(call.Arguments) {
		return call.Arguments[i]
	}
	return goja.Undefined()
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func (b *bridge) stringArg(call goja.FunctionCall, i int, op, name string) string {
	v := arg(call, i)
	if !defined(v) {
		b.throwValidation(op, "%s is required", name)
	}
	return v.String()
}

// rawArg marshals a JS value into the JSON the storage layer persists.
func (b *bridge) rawArg(call goja.FunctionCall, i int, op string) json.RawMessage {
	v := arg(call, i)
	if !defined(v) {
		b.throwValidation(op, "value is required")
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		b.throwValidation(op, "value is not json-serializable")
	}
	return data
}

func (b *bridge) fromRaw(raw json.RawMessage) goja.Value {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		b.throw(kerrors.Internal("runtime.bridge", err))
	}
	return b.vm.ToValue(v)
}

func (b *bridge) installEnv(fazt *goja.Object) error {
	env := b.vm.NewObject()
	_ = env.Set("get", func(call goja.FunctionCall) goja.Value {
		name := b.stringArg(call, 0, "env.get", "name")
		if v, ok := b.caps.Env[name]; ok {
			return b.vm.ToValue(v)
		}
		return goja.Null()
	})
	return fazt.Set("env", env)
}

func (b *bridge) installStorage(fazt *goja.Object) error {
	storage := b.vm.NewObject()

	kv := b.vm.NewObject()
	_ = kv.Set("get", func(call goja.FunctionCall) goja.Value {
		key := b.stringArg(call, 0, "kv.get", "key")
		raw, ok, err := b.caps.Data.KVGet(b.ctx, b.caps.AppID, key)
		if err != nil {
			b.throw(err)
		}
		if !ok {
			return goja.Null()
		}
		return b.fromRaw(raw)
	})
	_ = kv.Set("set", func(call goja.FunctionCall) goja.Value {
		key := b.stringArg(call, 0, "kv.set", "key")
		raw := b.rawArg(call, 1, "kv.set")
		if err := b.caps.Data.KVSet(b.ctx, b.caps.AppID, key, raw); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	_ = kv.Set("del", func(call goja.FunctionCall) goja.Value {
		key := b.stringArg(call, 0, "kv.del", "key")
		if err := b.caps.Data.KVDelete(b.ctx, b.caps.AppID, key); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	_ = kv.Set("keys", func(goja.FunctionCall) goja.Value {
		keys, err := b.caps.Data.KVKeys(b.ctx, b.caps.AppID)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(keys)
	})
	_ = storage.Set("kv", kv)

	docs := b.vm.NewObject()
	_ = docs.Set("insert", func(call goja.FunctionCall) goja.Value {
		collection := b.stringArg(call, 0, "docs.insert", "collection")
		raw := b.objectArg(call, 1, "docs.insert")
		id, err := b.caps.Data.DocInsert(b.ctx, b.caps.AppID, collection, raw)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(id)
	})
	_ = docs.Set("get", func(call goja.FunctionCall) goja.Value {
		collection := b.stringArg(call, 0, "docs.get", "collection")
		id := b.stringArg(call, 1, "docs.get", "id")
		doc, err := b.caps.Data.DocGet(b.ctx, b.caps.AppID, collection, id)
		if kerrors.IsNotFound(err) {
			return goja.Null()
		}
		if err != nil {
			b.throw(err)
		}
		return b.docValue(doc.ID, doc.Body)
	})
	_ = docs.Set("query", func(call goja.FunctionCall) goja.Value {
		collection := b.stringArg(call, 0, "docs.query", "collection")
		var filter map[string]interface{}
		if v := arg(call, 1); defined(v) {
			m, ok := v.Export().(map[string]interface{})
			if !ok {
				b.throwValidation("docs.query", "filter must be an object")
			}
			filter = m
		}
		limit := 0
		if v := arg(call, 2); defined(v) {
			limit = int(v.ToInteger())
		}
		found, err := b.caps.Data.DocQuery(b.ctx, b.caps.AppID, collection, filter, limit)
		if err != nil {
			b.throw(err)
		}
		out := make([]interface{}, 0, len(found))
		for _, doc := range found {
			out = append(out, b.docValue(doc.ID, doc.Body))
		}
		return b.vm.ToValue(out)
	})
	_ = docs.Set("update", func(call goja.FunctionCall) goja.Value {
		collection := b.stringArg(call, 0, "docs.update", "collection")
		id := b.stringArg(call, 1, "docs.update", "id")
		raw := b.objectArg(call, 2, "docs.update")
		err := b.caps.Data.DocUpdate(b.ctx, b.caps.AppID, collection, id, raw)
		if kerrors.IsNotFound(err) {
			return b.vm.ToValue(false)
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(true)
	})
	_ = docs.Set("del", func(call goja.FunctionCall) goja.Value {
		collection := b.stringArg(call, 0, "docs.del", "collection")
		id := b.stringArg(call, 1, "docs.del", "id")
		err := b.caps.Data.DocDelete(b.ctx, b.caps.AppID, collection, id)
		if kerrors.IsNotFound(err) {
			return b.vm.ToValue(false)
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(true)
	})
	_ = storage.Set("docs", docs)

	blobs := b.vm.NewObject()
	_ = blobs.Set("put", func(call goja.FunctionCall) goja.Value {
		name := b.stringArg(call, 0, "blobs.put", "name")
		content := b.stringArg(call, 1, "blobs.put", "content")
		mimeType := ""
		if v := arg(call, 2); defined(v) {
			mimeType = v.String()
		}
		if err := b.caps.Data.BlobPut(b.ctx, b.caps.AppID, name, []byte(content), mimeType); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	_ = blobs.Set("get", func(call goja.FunctionCall) goja.Value {
		name := b.stringArg(call, 0, "blobs.get", "name")
		blob, err := b.caps.Data.BlobGet(b.ctx, b.caps.AppID, name)
		if kerrors.IsNotFound(err) {
			return goja.Null()
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(map[string]interface{}{
			"name":     blob.Name,
			"content":  string(blob.Content),
			"mimeType": blob.MimeType,
			"size":     blob.SizeBytes,
		})
	})
	_ = blobs.Set("del", func(call goja.FunctionCall) goja.Value {
		name := b.stringArg(call, 0, "blobs.del", "name")
		err := b.caps.Data.BlobDelete(b.ctx, b.caps.AppID, name)
		if kerrors.IsNotFound(err) {
			return b.vm.ToValue(false)
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(true)
	})
	_ = blobs.Set("list", func(goja.FunctionCall) goja.Value {
		found, err := b.caps.Data.BlobList(b.ctx, b.caps.AppID)
		if err != nil {
			b.throw(err)
		}
		out := make([]interface{}, 0, len(found))
		for _, blob := range found {
			out = append(out, map[string]interface{}{
				"name":     blob.Name,
				"mimeType": blob.MimeType,
				"size":     blob.SizeBytes,
			})
		}
		return b.vm.ToValue(out)
	})
	_ = storage.Set("blobs", blobs)

	return fazt.Set("storage", storage)
}

// objectArg marshals a JS object argument, rejecting scalars so document
// bodies always stay queryable.
func (b *bridge) objectArg(call goja.FunctionCall, i int, op string) json.RawMessage {
	v := arg(call, i)
	if !defined(v) {
		b.throwValidation(op, "document is required")
	}
	if _, ok := v.Export().(map[string]interface{}); !ok {
		b.throwValidation(op, "document must be an object")
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		b.throwValidation(op, "document is not json-serializable")
	}
	return data
}

// docValue merges the document ID into its body object.
func (b *bridge) docValue(id string, body json.RawMessage) goja.Value {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil || m == nil {
		m = map[string]interface{}{}
	}
	m["id"] = id
	return b.vm.ToValue(m)
}

func (b *bridge) installRealtime(fazt *goja.Object) error {
	rt := b.vm.NewObject()

	_ = rt.Set("broadcast", func(call goja.FunctionCall) goja.Value {
		channel := b.stringArg(call, 0, "realtime.broadcast", "channel")
		data := arg(call, 1)
		if !defined(data) {
			b.throwValidation("realtime.broadcast", "data is required")
		}
		hub, ok := b.caps.Hubs.Hub(b.caps.SiteID)
		if !ok {
			return b.vm.ToValue(0)
		}
		return b.vm.ToValue(hub.BroadcastToChannel(channel, data.Export()))
	})
	_ = rt.Set("broadcastAll", func(call goja.FunctionCall) goja.Value {
		data := arg(call, 0)
		if !defined(data) {
			b.throwValidation("realtime.broadcastAll", "data is required")
		}
		hub, ok := b.caps.Hubs.Hub(b.caps.SiteID)
		if !ok {
			return b.vm.ToValue(0)
		}
		return b.vm.ToValue(hub.BroadcastAll(data.Export()))
	})
	_ = rt.Set("subscribers", func(call goja.FunctionCall) goja.Value {
		channel := b.stringArg(call, 0, "realtime.subscribers", "channel")
		hub, ok := b.caps.Hubs.Hub(b.caps.SiteID)
		if !ok {
			return b.vm.ToValue([]string{})
		}
		return b.vm.ToValue(hub.Subscribers(channel))
	})
	_ = rt.Set("count", func(call goja.FunctionCall) goja.Value {
		hub, ok := b.caps.Hubs.Hub(b.caps.SiteID)
		if !ok {
			return b.vm.ToValue(0)
		}
		if v := arg(call, 0); defined(v) {
			return b.vm.ToValue(hub.ChannelCount(v.String()))
		}
		return b.vm.ToValue(hub.ClientCount())
	})
	_ = rt.Set("kick", func(call goja.FunctionCall) goja.Value {
		id := b.stringArg(call, 0, "realtime.kick", "client id")
		reason := ""
		if v := arg(call, 1); defined(v) {
			reason = v.String()
		}
		hub, ok := b.caps.Hubs.Hub(b.caps.SiteID)
		if !ok {
			return b.vm.ToValue(false)
		}
		return b.vm.ToValue(hub.KickClient(id, reason))
	})

	return fazt.Set("realtime", rt)
}

func (b *bridge) installNet(fazt *goja.Object) error {
	netObj := b.vm.NewObject()

	_ = netObj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		rawURL := b.stringArg(call, 0, "net.fetch", "url")

		req := egress.Request{AppID: b.caps.AppID, URL: rawURL}
		ctx := b.ctx
		cancel := context.CancelFunc(func() {})

		if v := arg(call, 1); defined(v) {
			opts, ok := v.Export().(map[string]interface{})
			if !ok {
				b.throwValidation("net.fetch", "options must be an object")
			}
			if m, ok := opts["method"].(string); ok {
				req.Method = m
			}
			if a, ok := opts["auth"].(string); ok {
				req.Auth = a
			}
			if body, ok := opts["body"]; ok && body != nil {
				switch bv := body.(type) {
				case string:
					req.Body = bv
				default:
					data, err := json.Marshal(bv)
					if err != nil {
						b.throwValidation("net.fetch", "body is not serializable")
					}
					req.Body = string(data)
				}
			}
			if hm, ok := opts["headers"].(map[string]interface{}); ok {
				req.Headers = make(map[string]string, len(hm))
				for k, hv := range hm {
					req.Headers[k] = fmt.Sprint(hv)
				}
			}
			if t, ok := asInt(opts["timeout"]); ok && t > 0 {
				ctx, cancel = budget.ForOp(ctx, time.Duration(t)*time.Millisecond)
			}
		}
		defer cancel()

		resp, err := b.caps.Net.Fetch(ctx, b.counter, req)
		if err != nil {
			b.throw(err)
		}
		return b.fetchResponse(resp)
	})

	return fazt.Set("net", netObj)
}

// fetchResponse shapes an egress reply the way browser fetch responses
// look: status, ok, url, headers, and text()/json() accessors.
func (b *bridge) fetchResponse(resp *egress.Response) goja.Value {
	obj := b.vm.NewObject()
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("ok", resp.Status >= 200 && resp.Status < 300)
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("headers", resp.Headers)

	body := resp.Body
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(string(body))
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			b.throw(kerrors.Net("net.fetch", kerrors.NetError, "response is not json: %v", err))
		}
		return b.vm.ToValue(v)
	})
	return obj
}

// console routes handler logging into the kernel log, tagged with the
// site. Handlers have no other stdout.
func (b *bridge) console() *goja.Object {
	formatArgs := func(call goja.FunctionCall) string {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, fmt.Sprint(a.Export()))
		}
		return strings.Join(parts, " ")
	}

	console := b.vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		log.Info().Str("site", b.caps.SiteID).Msg(formatArgs(call))
		return goja.Undefined()
	})
	_ = console.Set("info", func(call goja.FunctionCall) goja.Value {
		log.Info().Str("site", b.caps.SiteID).Msg(formatArgs(call))
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		log.Warn().Str("site", b.caps.SiteID).Msg(formatArgs(call))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		log.Error().Str("site", b.caps.SiteID).Msg(formatArgs(call))
		return goja.Undefined()
	})
	return console
}
