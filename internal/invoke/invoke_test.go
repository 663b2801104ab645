package invoke_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pkt.systems/rtnode/internal/fault"
	"pkt.systems/rtnode/internal/invoke"
)

type recorder struct {
	mu       sync.Mutex
	results  []invoke.Result
	errs     []*invoke.Error
	async    map[uint32]invoke.Result
	asyncErr map[uint32]*invoke.Error
	drops    []string
}

func newRecorder() *recorder {
	return &recorder{async: map[uint32]invoke.Result{}, asyncErr: map[uint32]*invoke.Error{}}
}

func (r *recorder) consumers() invoke.Consumers {
	return invoke.Consumers{
		OnResult: func(res invoke.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
		OnError: func(e *invoke.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, e)
		},
		OnAsyncResult: func(part uint32, res invoke.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.async[part] = res
		},
		OnAsyncError: func(part uint32, e *invoke.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.asyncErr[part] = e
		},
		OnDrop: func(_ uint32, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.drops = append(r.drops, reason)
		},
	}
}

func TestCallSyncSlotAcceptsOneAnswer(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	call := invoke.NewCall(invoke.Invocation{Type: "T", Method: "m"}, 0, rec.consumers(), nil)
	if !call.Result(1) {
		t.Fatal("first result must be delivered")
	}
	if call.Fail(errors.New("late")) || call.Result(2) {
		t.Fatal("later sync answers must be refused")
	}
	if len(rec.results) != 1 || len(rec.errs) != 0 || len(rec.drops) != 2 {
		t.Fatalf("unexpected deliveries: %+v", rec)
	}
	select {
	case <-call.Done():
	default:
		t.Fatal("call without async parts must be done after sync answer")
	}
}

func TestCallAsyncErrorClosesRemainingParts(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	call := invoke.NewCall(invoke.Invocation{Type: "T", Method: "m"}, 3, rec.consumers(), nil)
	call.Result("ok")
	if !call.AsyncResult(2, "second") {
		t.Fatal("part 2 must be delivered")
	}
	if call.NextPart() != 1 {
		t.Fatalf("next part %d, want 1", call.NextPart())
	}
	if !call.AsyncFail(errors.New("boom")) {
		t.Fatal("async error must be delivered")
	}
	if _, ok := rec.asyncErr[1]; !ok {
		t.Fatalf("async error should carry part 1, got %v", rec.asyncErr)
	}
	if call.AsyncResult(1, "late") || call.AsyncResult(3, "late") || call.AsyncFail(errors.New("again")) {
		t.Fatal("slots must be closed after async error")
	}
	if call.AsyncResult(2, "dup") {
		t.Fatal("answered slot must refuse a second answer")
	}
	select {
	case <-call.Done():
	default:
		t.Fatal("call should be done")
	}
}

func TestCallRejectsOutOfRangeParts(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	call := invoke.NewCall(invoke.Invocation{}, 1, rec.consumers(), nil)
	if call.AsyncResult(0, nil) || call.AsyncResult(2, nil) {
		t.Fatal("parts outside 1..N must be refused")
	}
	call.AsyncResult(1, "x")
	select {
	case <-call.Done():
		t.Fatal("call must wait for its sync answer")
	default:
	}
	call.Result(nil)
	<-call.Done()
}

func TestResolverFixedTableAndNamedRegistry(t *testing.T) {
	t.Parallel()

	r := invoke.NewResolver()
	local := invoke.TargetFunc(func(_ context.Context, c *invoke.Call) { c.Result("local") })
	remote := invoke.TargetFunc(func(_ context.Context, c *invoke.Call) { c.Result("remote") })
	r.Bind(invoke.ResourceContext, invoke.Local, local)
	r.Bind(invoke.ResourceContext, invoke.Remote, remote)
	if err := r.Register("Greeter", "", invoke.Methods{"hello": func(_ context.Context, c *invoke.Call) { c.Result("hi") }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("Greeter", "", local); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if err := r.Register("IndexContext", "", local); err == nil {
		t.Fatal("context kind names are reserved")
	}

	cases := []struct {
		typ, name string
		wantErr   bool
	}{
		{"ResourceContext", "", false},
		{"ResourceContext", "local", false},
		{"ResourceContext", "remote", false},
		{"ResourceContext", "elsewhere", true},
		{"IndexContext", "", true},
		{"Greeter", "", false},
		{"Greeter", "other", true},
		{"Nope", "", true},
	}
	for _, tc := range cases {
		_, err := r.ResolveNamed(tc.typ, tc.name)
		if tc.wantErr {
			if !fault.IsKind(err, fault.DispatchMapping) {
				t.Fatalf("%s/%s: expected dispatch mapping error, got %v", tc.typ, tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.typ, tc.name, err)
		}
	}
	bindings := r.Bindings()
	if len(bindings) != 3 || bindings[2].Type != "Greeter" || len(bindings[2].Methods) != 1 {
		t.Fatalf("unexpected bindings %+v", bindings)
	}
}

func TestDispatcherEnforcesSyncAnswer(t *testing.T) {
	t.Parallel()

	r := invoke.NewResolver()
	r.Bind(invoke.TaskContext, invoke.Local, invoke.Methods{
		"silent": func(context.Context, *invoke.Call) {},
		"panics": func(context.Context, *invoke.Call) { panic("kaboom") },
		"ok":     func(_ context.Context, c *invoke.Call) { c.Result(42) },
	})
	d := invoke.NewDispatcher(r, nil)

	cases := []struct {
		method   string
		wantCode string
	}{
		{"silent", "no_sync_answer"},
		{"panics", "target_panic"},
		{"missing", "unknown_method"},
		{"ok", ""},
	}
	for _, tc := range cases {
		rec := newRecorder()
		call := invoke.NewCall(invoke.Invocation{Type: "TaskContext", Method: tc.method}, 0, rec.consumers(), nil)
		d.Dispatch(context.Background(), call)
		if len(rec.results)+len(rec.errs) != 1 {
			t.Fatalf("%s: expected exactly one sync answer, got %+v", tc.method, rec)
		}
		if tc.wantCode == "" {
			if len(rec.results) != 1 || rec.results[0].Value != 42 {
				t.Fatalf("%s: unexpected result %+v", tc.method, rec.results)
			}
			continue
		}
		if len(rec.errs) != 1 || rec.errs[0].Type != tc.wantCode {
			t.Fatalf("%s: expected %s, got %+v", tc.method, tc.wantCode, rec.errs)
		}
	}

	rec := newRecorder()
	d.Dispatch(context.Background(), invoke.NewCall(invoke.Invocation{Type: "EventContext", Method: "post"}, 0, rec.consumers(), nil))
	if len(rec.errs) != 1 || rec.errs[0].Kind != fault.DispatchMapping {
		t.Fatalf("expected dispatch mapping error, got %+v", rec.errs)
	}
}

func TestErrorConversionKeepsKind(t *testing.T) {
	t.Parallel()

	base := fault.Newf(fault.NotFound, "not_found", "resource gone")
	wrapped := fault.Wrap(fault.Execution, "script_failed", base)
	e := invoke.ErrorFrom(wrapped)
	if e.Kind != fault.Execution || e.Type != "script_failed" || e.Cause == nil || e.Cause.Kind != fault.NotFound {
		t.Fatalf("unexpected conversion %+v", e)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back invoke.Error
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored := back.AsFault()
	if !errors.Is(restored, fault.New(fault.NotFound, "not_found", "")) {
		t.Fatalf("cause kind lost: %v", restored)
	}
	if fault.KindOf(restored) != fault.Execution {
		t.Fatalf("kind lost: %v", restored)
	}
}

func TestInvocationArguments(t *testing.T) {
	t.Parallel()

	var inv invoke.Invocation
	if err := json.Unmarshal([]byte(`{"dispatch_type":"FUTURE","type":"ResourceContext","method":"invoke","arguments":["/a",3,1.5]}`), &inv); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if inv.DispatchType != invoke.Future {
		t.Fatalf("dispatch type %v", inv.DispatchType)
	}
	if s, err := inv.StringArg(0); err != nil || s != "/a" {
		t.Fatalf("string arg: %q %v", s, err)
	}
	if n, err := inv.IntArg(1); err != nil || n != 3 {
		t.Fatalf("int arg: %d %v", n, err)
	}
	if _, err := inv.IntArg(2); !fault.IsKind(err, fault.Execution) {
		t.Fatalf("expected bad argument, got %v", err)
	}
	if _, err := inv.StringArg(5); err == nil {
		t.Fatal("expected missing argument error")
	}
}
