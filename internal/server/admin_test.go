package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/session"
)

func newAdminEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.auth.identity = adminIdentity()
	return env
}

func TestAdminUserCRUD(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/users", `{"name":"bob"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "/admin/v1/users/") {
		t.Errorf("Location = %q", loc)
	}
	var created gateway.User
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Role != "user" || !created.Enabled {
		t.Errorf("created = %+v, want defaulted role and enabled", created)
	}

	if w := doJSON(env.srv, http.MethodGet, "/admin/v1/users/"+created.ID, ""); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(env.srv, http.MethodPut, "/admin/v1/users/"+created.ID, `{"name":"bob2","role":"admin"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body.String())
	}
	if !env.auth.invalidatedAll {
		t.Error("user update did not flush the identity cache")
	}

	if w := doJSON(env.srv, http.MethodDelete, "/admin/v1/users/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := doJSON(env.srv, http.MethodGet, "/admin/v1/users/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAdminUserInvalidRole(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	w := doJSON(env.srv, http.MethodPost, "/admin/v1/users", `{"name":"bob","role":"superuser"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAdminKeyCreate(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	env.store.CreateUser(context.Background(), &gateway.User{ID: "u1", Name: "alice", Role: "user", Enabled: true})

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/keys", `{"user_id":"u1","name":"laptop","cache_ttl":"1h"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID        string `json:"id"`
		KeyPrefix string `json:"key_prefix"`
		Key       string `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.Key, "vk-") {
		t.Errorf("plaintext = %q, want vk- prefix", resp.Key)
	}
	if resp.KeyPrefix != resp.Key[:8] {
		t.Errorf("prefix = %q, want first 8 chars of %q", resp.KeyPrefix, resp.Key)
	}

	stored, err := env.store.GetKey(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("stored key missing: %v", err)
	}
	if stored.KeyHash != gateway.HashKey(resp.Key) {
		t.Error("stored hash does not match plaintext")
	}
	if !stored.Enabled {
		t.Error("new key not enabled")
	}
}

func TestAdminKeyCreateUnknownUser(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	w := doJSON(env.srv, http.MethodPost, "/admin/v1/keys", `{"user_id":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdminKeyUpdateInvalidates(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	env.store.CreateKey(context.Background(), &gateway.Key{
		ID: "k9", UserID: "u1", KeyHash: "h", KeyPrefix: "vk-aaaa", Enabled: true,
	})

	w := doJSON(env.srv, http.MethodPut, "/admin/v1/keys/k9", `{"enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	stored, _ := env.store.GetKey(context.Background(), "k9")
	if stored.Enabled {
		t.Error("key still enabled after update")
	}
	if stored.KeyHash != "h" {
		t.Error("update overwrote the credential hash")
	}
	env.auth.mu.Lock()
	defer env.auth.mu.Unlock()
	if len(env.auth.invalidated) != 1 || env.auth.invalidated[0] != "k9" {
		t.Errorf("invalidated = %v, want [k9]", env.auth.invalidated)
	}
}

func TestAdminProviderCreate(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/providers",
		`{"name":"main","type":"claude","base_url":"https://api.example","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var p gateway.Provider
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Weight != 1 {
		t.Errorf("Weight = %d, want defaulted 1", p.Weight)
	}

	if w := doJSON(env.srv, http.MethodPost, "/admin/v1/providers", `{"name":"bad","type":"mystery"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid type status = %d, want 400", w.Code)
	}
}

func TestAdminProviderBreakerControls(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	if w := doJSON(env.srv, http.MethodPost, "/admin/v1/providers/p1/breaker/reset", ""); w.Code != http.StatusNoContent {
		t.Errorf("reset status = %d, want 204", w.Code)
	}
	w := doJSON(env.srv, http.MethodGet, "/admin/v1/providers/p1/breaker", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state status = %d", w.Code)
	}
	var st gateway.BreakerState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != gateway.CircuitClosed {
		t.Errorf("state = %q, want closed after reset", st.State)
	}
}

func TestAdminVendorBlackout(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/vendors/v1/breaker/open", `{"type":"claude","reason":"incident"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("open status = %d, body %s", w.Code, w.Body.String())
	}
	w = doJSON(env.srv, http.MethodPost, "/admin/v1/vendors/v1/breaker/close", `{"type":"claude"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", w.Code)
	}
	if w := doJSON(env.srv, http.MethodPost, "/admin/v1/vendors/v1/breaker/open", `{"type":"weird"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid type status = %d, want 400", w.Code)
	}
}

func TestAdminEndpointCreate(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	env.store.CreateVendor(context.Background(), &gateway.ProviderVendor{ID: "v1", Name: "acme"})

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/vendors/v1/endpoints",
		`{"type":"claude","base_url":"https://api.acme.example","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var e gateway.ProviderEndpoint
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.VendorID != "v1" {
		t.Errorf("VendorID = %q, want from URL", e.VendorID)
	}
}

func TestAdminPriceUpsert(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodPut, "/admin/v1/prices/claude-3-opus",
		`{"input_cost_per_token":"0.000015","output_cost_per_token":"0.000075"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	stored, err := env.store.GetPrice(context.Background(), "claude-3-opus")
	if err != nil {
		t.Fatalf("stored price missing: %v", err)
	}
	if stored.InputCostPerToken != "0.000015" {
		t.Errorf("InputCostPerToken = %q", stored.InputCostPerToken)
	}
}

func TestAdminSensitiveWordLifecycle(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodPost, "/admin/v1/sensitive-words", `{"pattern":"secret-project"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	// The engine reloaded on write: the word is live without a restart.
	if sw := env.rules.CheckSensitive("about the secret-project plan"); sw == nil {
		t.Error("created word not active in the rule engine")
	}

	var word gateway.SensitiveWord
	if err := json.Unmarshal(w.Body.Bytes(), &word); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w := doJSON(env.srv, http.MethodDelete, "/admin/v1/sensitive-words/"+word.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if sw := env.rules.CheckSensitive("about the secret-project plan"); sw != nil {
		t.Error("deleted word still active")
	}
}

func TestAdminQuotaReset(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	if w := doJSON(env.srv, http.MethodPost, "/admin/v1/quota/key/k1/reset", ""); w.Code != http.StatusNoContent {
		t.Errorf("reset status = %d, want 204", w.Code)
	}
	if w := doJSON(env.srv, http.MethodPost, "/admin/v1/quota/galaxy/k1/reset", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad scope status = %d, want 400", w.Code)
	}
}

func TestAdminSessionDebug(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)
	const sid = "sess_admin-debug-0000001"

	env.tracker.RecordDebugArtifacts(context.Background(), sid, 2, session.DebugArtifacts{
		RequestBody: []byte(`{"model":"m"}`),
		Meta:        map[string]any{"provider": "p1"},
	})

	w := doJSON(env.srv, http.MethodGet, "/admin/v1/sessions/"+sid+"/debug/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var art session.DebugArtifacts
	if err := json.Unmarshal(w.Body.Bytes(), &art); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(art.RequestBody) != `{"model":"m"}` {
		t.Errorf("RequestBody = %s", art.RequestBody)
	}
	if art.StoredAt.IsZero() {
		t.Error("StoredAt not stamped")
	}

	if w := doJSON(env.srv, http.MethodGet, "/admin/v1/sessions/"+sid+"/debug/9", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing artifact status = %d, want 404", w.Code)
	}
	if w := doJSON(env.srv, http.MethodGet, "/admin/v1/sessions/"+sid+"/debug/zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad seq status = %d, want 400", w.Code)
	}
}

func TestAdminUsageList(t *testing.T) {
	t.Parallel()
	env := newAdminEnv(t)

	w := doJSON(env.srv, http.MethodGet, "/admin/v1/usage?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp listResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}

	if w := doJSON(env.srv, http.MethodGet, "/admin/v1/usage?since=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}
}
