package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vikashloomba/nexus-mcp-gateway-go/pkg/endserver"
)

func newTestRegistry(t *testing.T, f *fleet) *Registry {
	t.Helper()
	reg := NewRegistry(&RegistryOptions{
		Logger:      nopLogger(),
		Actor:       f.actorOptions(),
		SyncTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background(), "test done") })
	return reg
}

func registerAndConnect(t *testing.T, reg *Registry, desc endserver.Descriptor) string {
	t.Helper()
	ns, ok := reg.Register(desc)
	if !ok {
		t.Fatalf("Register(%s) rejected", desc.ID)
	}
	if err := reg.ConnectServer(context.Background(), desc.ID); err != nil {
		t.Fatalf("ConnectServer(%s): %v", desc.ID, err)
	}
	return ns
}

func TestRegistryEmptyCatalogHasMetaToolsOnly(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, newFleet())

	tools := reg.ListTools(context.Background())
	want := []string{toolListEndServers, toolListServerStatus}
	if got := toolNames(tools); !slices.Equal(got, want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for _, tool := range tools {
		if tool.Description == "" || tool.InputSchema == nil {
			t.Fatalf("meta tool %q missing description or schema", tool.Name)
		}
	}

	res, err := reg.CallTool(context.Background(), toolListEndServers, nil)
	if err != nil {
		t.Fatalf("list-end-servers: %v", err)
	}
	var payload struct {
		MCPServers []json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MCPServers == nil || len(payload.MCPServers) != 0 {
		t.Fatalf("expected an empty mcpServers array, got %s", resultText(t, res))
	}
}

func TestRegistryMergesNamespacedCatalog(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search", "fetch")
	f.add("bravo", "search")
	reg := newTestRegistry(t, f)

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	nsB := registerAndConnect(t, reg, testDescriptor("bravo"))
	if nsA == nsB {
		t.Fatalf("namespaces must differ, both %q", nsA)
	}

	tools := reg.ListTools(context.Background())
	want := []string{
		toolListEndServers,
		toolListServerStatus,
		NamespacedToolName("search", nsA),
		NamespacedToolName("fetch", nsA),
		NamespacedToolName("search", nsB),
	}
	if got := toolNames(tools); !slices.Equal(got, want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	if desc := tools[2].Description; desc != "does search (End Server: Server alpha)" {
		t.Fatalf("unexpected annotated description %q", desc)
	}

	res, err := reg.CallTool(context.Background(), NamespacedToolName("search", nsB), map[string]any{
		"arguments": map[string]any{"q": "go"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := resultText(t, res); got != `bravo:search:{"q":"go"}` {
		t.Fatalf("call routed to wrong backend: %q", got)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	reg := newTestRegistry(t, f)
	registerAndConnect(t, reg, testDescriptor("alpha"))

	for _, name := range []string{"search", "search_99_nxs", "nope"} {
		if _, err := reg.CallTool(context.Background(), name, nil); !errors.Is(err, ErrUnknownTool) {
			t.Fatalf("CallTool(%q) err = %v, want ErrUnknownTool", name, err)
		}
	}
}

func TestRegistryUnregisterRemovesToolsAndRetiresNamespace(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	f.add("bravo", "lookup")
	reg := newTestRegistry(t, f)

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	nsB := registerAndConnect(t, reg, testDescriptor("bravo"))

	if !reg.Unregister("alpha") {
		t.Fatalf("Unregister(alpha) returned false")
	}
	if reg.Unregister("alpha") {
		t.Fatalf("second Unregister should report nothing removed")
	}
	if reg.Has("alpha") {
		t.Fatalf("alpha still registered")
	}
	for _, name := range toolNames(reg.ListTools(context.Background())) {
		if strings.HasSuffix(name, "_"+nsA+namespaceSuffix) {
			t.Fatalf("tool %q of unregistered server still listed", name)
		}
	}
	if _, err := reg.CallTool(context.Background(), NamespacedToolName("search", nsA), nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool for retired namespace, got %v", err)
	}

	nsA2 := registerAndConnect(t, reg, testDescriptor("alpha"))
	a, _ := strconv.Atoi(nsA)
	b, _ := strconv.Atoi(nsB)
	a2, _ := strconv.Atoi(nsA2)
	if !(a < b && b < a2) {
		t.Fatalf("namespaces must strictly increase: %s, %s, %s", nsA, nsB, nsA2)
	}
}

func TestRegistryRejectsMissingEnvAndDuplicates(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	reg := newTestRegistry(t, f)

	desc := testDescriptor("alpha")
	desc.EnvVars = []endserver.EnvVar{{Name: "Token", Key: "TOKEN", Required: true}}
	if _, ok := reg.Register(desc); ok {
		t.Fatalf("descriptor with missing env should be rejected")
	}
	if reg.Len() != 0 {
		t.Fatalf("rejected descriptor was registered")
	}

	registerAndConnect(t, reg, testDescriptor("alpha"))
	if _, ok := reg.Register(testDescriptor("alpha")); ok {
		t.Fatalf("duplicate id should be rejected")
	}
}

func TestRegistryIsolatesFailingServer(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	broken := f.add("bravo", "lookup")
	reg := newTestRegistry(t, f)

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	registerAndConnect(t, reg, testDescriptor("bravo"))
	broken.failList(errors.New("internal failure"))

	want := []string{toolListEndServers, toolListServerStatus, NamespacedToolName("search", nsA)}
	if got := toolNames(reg.ListTools(context.Background())); !slices.Equal(got, want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	if actor := reg.Actor("bravo"); actor == nil || !actor.Live() {
		t.Fatalf("a non-auth failure should keep the transport")
	}
}

func TestRegistryUnauthorizedServerLeavesCatalog(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	expired := f.add("bravo", "lookup")
	reg := newTestRegistry(t, f)

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	registerAndConnect(t, reg, testDescriptor("bravo"))
	expired.failList(errors.New("HTTP 401 Unauthorized"))

	want := []string{toolListEndServers, toolListServerStatus, NamespacedToolName("search", nsA)}
	if got := toolNames(reg.ListTools(context.Background())); !slices.Equal(got, want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	waitFor(t, func() bool { return !reg.Actor("bravo").Live() })
	if got := toolNames(reg.ListTools(context.Background())); !slices.Equal(got, want) {
		t.Fatalf("tools after teardown = %v, want %v", got, want)
	}
	if !reg.Has("bravo") {
		t.Fatalf("an unauthorized server stays registered until reconciliation")
	}
}

func TestRegistryUnauthorizedCallClosesServer(t *testing.T) {
	t.Parallel()
	f := newFleet()
	alpha := f.add("alpha", "search")
	reg := newTestRegistry(t, f)
	ns := registerAndConnect(t, reg, testDescriptor("alpha"))
	alpha.failCalls(errors.New("invalid_token: token revoked"))

	res, err := reg.CallTool(context.Background(), NamespacedToolName("search", ns), nil)
	if err != nil {
		t.Fatalf("auth failures must not be protocol errors: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected IsError result, got %+v", res)
	}
	if got := resultText(t, res); got != endserver.ReasonUnauthorized {
		t.Fatalf("result text = %q, want %q", got, endserver.ReasonUnauthorized)
	}
	waitFor(t, func() bool { return !reg.Actor("alpha").Live() })
}

func TestRegistryBackendCallFailureIsErrorResult(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	reg := newTestRegistry(t, f)
	ns := registerAndConnect(t, reg, testDescriptor("alpha"))

	reg.Actor("alpha").CloseTransport("gone")
	res, err := reg.CallTool(context.Background(), NamespacedToolName("search", ns), nil)
	if err != nil {
		t.Fatalf("backend failures must not be protocol errors: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected IsError result, got %+v", res)
	}
}

func TestRegistryServerStatusMetaTool(t *testing.T) {
	t.Parallel()
	f := newFleet()
	f.add("alpha", "search")
	f.add("bravo", "lookup")
	reg := NewRegistry(&RegistryOptions{
		Logger: nopLogger(),
		Actor:  f.actorOptions(),
		Now:    func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() { _ = reg.CloseAll(context.Background(), "test done") })

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	bravo := testDescriptor("bravo")
	bravo.RequiresAuth = true
	bravo.AccessToken = "tok"
	bravo.AccessTokenExpiresAt = "2030-01-01T00:03:00Z"
	bravo.EnvVars = []endserver.EnvVar{{Name: "Region", Key: "REGION", Required: true, Value: ptr("eu")}}
	nsB, ok := reg.Register(bravo)
	if !ok {
		t.Fatalf("Register(bravo) rejected")
	}

	res, err := reg.CallTool(context.Background(), toolListServerStatus, nil)
	if err != nil {
		t.Fatalf("list-server-status: %v", err)
	}
	var status struct {
		Servers []endServerStatus `json:"servers"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	want := []endServerStatus{
		{ID: "alpha", Name: "Server alpha", Namespace: nsA, Connected: true},
		{ID: "bravo", Name: "Server bravo", Namespace: nsB, Connected: false, TokenExpired: true},
	}
	if !slices.Equal(status.Servers, want) {
		t.Fatalf("status = %+v, want %+v", status.Servers, want)
	}

	res, err = reg.CallTool(context.Background(), toolListEndServers, nil)
	if err != nil {
		t.Fatalf("list-end-servers: %v", err)
	}
	var listing struct {
		MCPServers []endServerListing `json:"mcpServers"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.MCPServers) != 2 || listing.MCPServers[1].ID != "bravo" {
		t.Fatalf("unexpected listing %+v", listing.MCPServers)
	}
	if got := listing.MCPServers[1].RequiredEnvVars; !slices.Equal(got, []string{"REGION"}) {
		t.Fatalf("requiredEnvVars = %v", got)
	}
	if got := listing.MCPServers[0].RequiredEnvVars; got == nil || len(got) != 0 {
		t.Fatalf("expected empty requiredEnvVars for alpha, got %v", got)
	}
}

func TestRegistryReplaceSwapsNamespaceAndKeepsPosition(t *testing.T) {
	t.Parallel()
	f := newFleet()
	alpha := f.add("alpha", "search")
	f.add("bravo", "lookup")
	reg := newTestRegistry(t, f)

	nsA := registerAndConnect(t, reg, testDescriptor("alpha"))
	registerAndConnect(t, reg, testDescriptor("bravo"))
	oldActor := reg.Actor("alpha")

	changed := testDescriptor("alpha")
	changed.Name = "Alpha v2"
	if err := reg.Replace(context.Background(), changed); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	nsA2, _ := reg.Namespace("alpha")
	if nsA2 == nsA {
		t.Fatalf("replacement should receive a fresh namespace")
	}
	if oldActor.Live() {
		t.Fatalf("old actor should be closed")
	}
	if alpha.connectCount() != 2 {
		t.Fatalf("expected a full reconnect, got %d connects", alpha.connectCount())
	}
	if got := reg.IDs(); !slices.Equal(got, []string{"alpha", "bravo"}) {
		t.Fatalf("IDs = %v", got)
	}
	if desc, _ := reg.Descriptor("alpha"); desc.Name != "Alpha v2" {
		t.Fatalf("descriptor not replaced: %+v", desc)
	}
	if _, err := reg.CallTool(context.Background(), NamespacedToolName("search", nsA), nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("old namespace should be retired, got %v", err)
	}

	missing := testDescriptor("alpha")
	missing.EnvVars = []endserver.EnvVar{{Key: "TOKEN", Required: true}}
	var envErr *endserver.MissingEnvError
	if err := reg.Replace(context.Background(), missing); !errors.As(err, &envErr) {
		t.Fatalf("expected MissingEnvError, got %v", err)
	}
	if reg.Has("alpha") {
		t.Fatalf("alpha should be removed when its env is no longer satisfied")
	}
}

func ptr(s string) *string { return &s }
