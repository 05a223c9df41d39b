package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/engine"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
)

// --- fakes ---

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	deltas    []database.StatsDelta
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{campaigns: make(map[string]*models.Campaign)}
}

func (f *fakeCampaignRepo) Create(_ context.Context, c *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeCampaignRepo) GetByID(_ context.Context, id string) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignRepo) List(_ context.Context) ([]models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Campaign, 0, len(f.campaigns))
	for _, c := range f.campaigns {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCampaignRepo) Update(_ context.Context, c *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeCampaignRepo) UpdateStatus(_ context.Context, id string, status models.CampaignStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s not found", id)
	}
	if !c.Status.CanTransitionTo(status) {
		return fmt.Errorf("%s to %s: %w", c.Status, status, database.ErrInvalidTransition)
	}
	c.Status = status
	return nil
}

func (f *fakeCampaignRepo) ApplyStatsDelta(_ context.Context, id string, delta database.StatsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s not found", id)
	}
	c.Stats.TotalContacts += delta.TotalContacts
	c.Stats.CallsPlaced += delta.CallsPlaced
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeCampaignRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.campaigns, id)
	return nil
}

type fakeContactRepo struct {
	mu           sync.Mutex
	contacts     map[string]*models.Contact
	associations map[string]*models.CampaignContact // key campaignID|contactID
	doNotCall    []string
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{
		contacts:     make(map[string]*models.Contact),
		associations: make(map[string]*models.CampaignContact),
	}
}

func (f *fakeContactRepo) Create(_ context.Context, c *models.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.contacts[c.ID] = &cp
	return nil
}

func (f *fakeContactRepo) GetByID(_ context.Context, id string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContactRepo) GetByPhone(_ context.Context, phone string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.PhoneNumber == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeContactRepo) AddToCampaign(_ context.Context, campaignID, contactID string, priority int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := campaignID + "|" + contactID
	if _, ok := f.associations[key]; ok {
		return false, nil
	}
	f.associations[key] = &models.CampaignContact{
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     models.ContactPending,
		Priority:   priority,
	}
	return true, nil
}

func (f *fakeContactRepo) ClaimNext(_ context.Context, _ string) (*models.CampaignContact, error) {
	return nil, nil
}

func (f *fakeContactRepo) Resolve(_ context.Context, _, _ string, _ models.ContactStatus, _ string, _ time.Time) error {
	return nil
}

func (f *fakeContactRepo) MarkDoNotCall(_ context.Context, campaignID, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doNotCall = append(f.doNotCall, campaignID+"|"+contactID)
	return nil
}

func (f *fakeContactRepo) ListByCampaign(_ context.Context, campaignID string, limit, offset int) ([]models.CampaignContact, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.CampaignContact
	for _, cc := range f.associations {
		if cc.CampaignID == campaignID {
			all = append(all, *cc)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f *fakeContactRepo) CountByStatus(_ context.Context, _ string) (map[models.ContactStatus]int, error) {
	return map[models.ContactStatus]int{}, nil
}

type fakeCallRepo struct {
	mu    sync.Mutex
	calls map[string]*models.Call
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{calls: make(map[string]*models.Call)}
}

func (f *fakeCallRepo) put(c *models.Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.calls[c.SID] = &cp
}

func (f *fakeCallRepo) Save(_ context.Context, c *models.Call) error {
	f.put(c)
	return nil
}

func (f *fakeCallRepo) GetBySID(_ context.Context, sid string) (*models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCallRepo) UpdateStatus(_ context.Context, sid string, status models.CallStatus, _ database.CallUpdate) (*models.Call, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return nil, false, fmt.Errorf("call %s not found", sid)
	}
	c.Status = status
	cp := *c
	return &cp, true, nil
}

func (f *fakeCallRepo) SetConversationID(_ context.Context, sid, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[sid]; ok {
		c.ConversationID = conversationID
	}
	return nil
}

func (f *fakeCallRepo) ListActive(_ context.Context) ([]models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Call
	for _, c := range f.calls {
		if !c.Status.Terminal() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCallRepo) ListActiveByCampaign(_ context.Context, _ string) ([]models.Call, error) {
	return nil, nil
}

func (f *fakeCallRepo) ListByCampaign(_ context.Context, campaignID string, limit, offset int) ([]models.Call, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.Call
	for _, c := range f.calls {
		if c.CampaignID == campaignID {
			all = append(all, *c)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f *fakeCallRepo) CountByStatus(_ context.Context) (map[models.CallStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.CallStatus]int64)
	for _, c := range f.calls {
		out[c.Status]++
	}
	return out, nil
}

type fakeCallEventRepo struct {
	mu      sync.Mutex
	entries map[string][]models.CallEvent
}

func newFakeCallEventRepo() *fakeCallEventRepo {
	return &fakeCallEventRepo{entries: make(map[string][]models.CallEvent)}
}

func (f *fakeCallEventRepo) Append(_ context.Context, callSID, eventType, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[callSID] = append(f.entries[callSID], models.CallEvent{
		ID:        int64(len(f.entries[callSID]) + 1),
		CallSID:   callSID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f *fakeCallEventRepo) ListByCall(_ context.Context, callSID string) ([]models.CallEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CallEvent(nil), f.entries[callSID]...), nil
}

// fakeEngine records lifecycle actions and returns scripted errors.
type fakeEngine struct {
	mu      sync.Mutex
	actions []string
	errs    map[string]error
	running map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{errs: make(map[string]error), running: make(map[string]bool)}
}

func (f *fakeEngine) record(action, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action+":"+id)
	return f.errs[action]
}

func (f *fakeEngine) Start(_ context.Context, id string) error  { return f.record("start", id) }
func (f *fakeEngine) Pause(_ context.Context, id string) error  { return f.record("pause", id) }
func (f *fakeEngine) Resume(_ context.Context, id string) error { return f.record("resume", id) }
func (f *fakeEngine) Stop(_ context.Context, id string) error   { return f.record("stop", id) }
func (f *fakeEngine) Cancel(_ context.Context, id string) error { return f.record("cancel", id) }

func (f *fakeEngine) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeEngine) ActiveCallCount(_ string) int { return 0 }

func (f *fakeEngine) RunningCampaigns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, on := range f.running {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// fakeBridges implements BridgeRegistry.
type fakeBridges struct {
	mu   sync.Mutex
	live map[string]bool
	hits []string
}

func newFakeBridges() *fakeBridges {
	return &fakeBridges{live: make(map[string]bool)}
}

func (f *fakeBridges) Shutdown(callSID, _, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = append(f.hits, callSID)
	return f.live[callSID]
}

func (f *fakeBridges) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeHangup struct {
	mu   sync.Mutex
	sids []string
	err  error
}

func (f *fakeHangup) HangUp(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, sid)
	return f.err
}

// --- harness ---

type testServer struct {
	srv       *Server
	campaigns *fakeCampaignRepo
	contacts  *fakeContactRepo
	calls     *fakeCallRepo
	timeline  *fakeCallEventRepo
	engine    *fakeEngine
	bridges   *fakeBridges
	hangup    *fakeHangup
	bus       *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		campaigns: newFakeCampaignRepo(),
		contacts:  newFakeContactRepo(),
		calls:     newFakeCallRepo(),
		timeline:  newFakeCallEventRepo(),
		engine:    newFakeEngine(),
		bridges:   newFakeBridges(),
		hangup:    &fakeHangup{},
		bus:       events.New(),
	}
	ts.srv = NewServer(Options{
		Engine:     ts.engine,
		Campaigns:  ts.campaigns,
		Contacts:   ts.contacts,
		Calls:      ts.calls,
		CallEvents: ts.timeline,
		Bus:        ts.bus,
		Bridges:    ts.bridges,
		Hangup:     ts.hangup,
		StartTime:  time.Now(),
	})
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

// decodeData unmarshals the envelope's data field into dst.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body: %s)", err, w.Body.String())
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v (body: %s)", err, w.Body.String())
	}
}

func seedCampaign(t *testing.T, ts *testServer, status models.CampaignStatus) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		ID:     "cmp-" + string(status),
		Name:   "Renewals Q3",
		Status: status,
		Agent:  models.AgentConfig{Prompt: "You call about renewals."},
	}
	if err := ts.campaigns.Create(context.Background(), c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return c
}

// --- tests ---

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var data map[string]string
	decodeData(t, w, &data)
	if data["status"] != "ok" {
		t.Errorf("expected status ok, got %q", data["status"])
	}
}

func TestCreateCampaign(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"name": "Renewals Q3",
		"agent": map[string]any{
			"prompt":       "You call about renewals.",
			"firstMessage": "Hi, this is Alex.",
			"callerId":     "+61255512345",
		},
		"settings": map[string]any{
			"maxConcurrentCalls": 3,
			"callDelayMs":        5000,
		},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp campaignResponse
	decodeData(t, w, &resp)
	if resp.ID == "" {
		t.Error("expected generated campaign id")
	}
	if resp.Status != models.CampaignDraft {
		t.Errorf("expected draft status, got %q", resp.Status)
	}
	if resp.Settings.MaxConcurrentCalls != 3 {
		t.Errorf("expected maxConcurrentCalls=3, got %d", resp.Settings.MaxConcurrentCalls)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"agent": map[string]any{"prompt": "p"}}},
		{"bad caller id", map[string]any{
			"name":  "c",
			"agent": map[string]any{"callerId": "not-a-number"},
		}},
		{"negative concurrency", map[string]any{
			"name":     "c",
			"settings": map[string]any{"maxConcurrentCalls": -1},
		}},
		{"unknown field", map[string]any{"name": "c", "bogus": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/campaigns", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/campaigns/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCampaignStartNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.errs["start"] = engine.ErrCampaignNotFound

	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/nope/start", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCampaignStartInvalidTransition(t *testing.T) {
	ts := newTestServer(t)
	seedCampaign(t, ts, models.CampaignCompleted)
	ts.engine.errs["start"] = fmt.Errorf("campaign is completed: %w", database.ErrInvalidTransition)

	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/cmp-completed/start", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCampaignStartDrivesEngine(t *testing.T) {
	ts := newTestServer(t)
	c := seedCampaign(t, ts, models.CampaignDraft)

	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ts.engine.mu.Lock()
	defer ts.engine.mu.Unlock()
	if len(ts.engine.actions) != 1 || ts.engine.actions[0] != "start:"+c.ID {
		t.Errorf("expected start action recorded, got %v", ts.engine.actions)
	}
}

func TestDeleteRunningCampaignConflicts(t *testing.T) {
	ts := newTestServer(t)
	c := seedCampaign(t, ts, models.CampaignActive)
	ts.engine.running[c.ID] = true

	w := ts.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAddCampaignContacts(t *testing.T) {
	ts := newTestServer(t)
	c := seedCampaign(t, ts, models.CampaignDraft)

	body := map[string]any{
		"contacts": []map[string]any{
			{"phoneNumber": "+61255512001", "name": "Alice"},
			{"phoneNumber": "+61255512002", "name": "Bob", "priority": 1},
		},
	}
	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contacts", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]int
	decodeData(t, w, &result)
	if result["added"] != 2 || result["skipped"] != 0 {
		t.Errorf("expected added=2 skipped=0, got %v", result)
	}

	// Re-adding the same contacts counts as skipped and applies no
	// further stats delta.
	w = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contacts", body)
	decodeData(t, w, &result)
	if result["added"] != 0 || result["skipped"] != 2 {
		t.Errorf("expected added=0 skipped=2, got %v", result)
	}

	got, err := ts.campaigns.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if got.Stats.TotalContacts != 2 {
		t.Errorf("expected totalContacts=2, got %d", got.Stats.TotalContacts)
	}
}

func TestAddCampaignContactsRejectsBadPhone(t *testing.T) {
	ts := newTestServer(t)
	c := seedCampaign(t, ts, models.CampaignDraft)

	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contacts", map[string]any{
		"contacts": []map[string]any{{"phoneNumber": "12345"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateContactDuplicate(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"phoneNumber": "+61255512001", "name": "Alice"}

	w := ts.do(t, http.MethodPost, "/api/v1/contacts", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/api/v1/contacts", body)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", w.Code)
	}
}

func TestCreateContactNormalizesPhone(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/contacts", map[string]any{
		"phoneNumber": "+61 (2) 5551-2001", "name": "Alice",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created contactResponse
	decodeData(t, w, &created)
	if created.PhoneNumber != "+61255512001" {
		t.Errorf("expected normalized +61255512001, got %q", created.PhoneNumber)
	}

	// A differently formatted spelling of the same number is a duplicate.
	w = ts.do(t, http.MethodPost, "/api/v1/contacts", map[string]any{
		"phoneNumber": "+61.2.5551.2001", "name": "Alice",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for formatted duplicate, got %d", w.Code)
	}

	// Lookup accepts formatted input as well.
	w = ts.do(t, http.MethodGet, "/api/v1/contacts?phone=%2B61%202%205551%202001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on formatted lookup, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAddCampaignContactsNormalizesPhones(t *testing.T) {
	ts := newTestServer(t)
	c := seedCampaign(t, ts, models.CampaignDraft)

	var result map[string]int
	w := ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contacts", map[string]any{
		"contacts": []map[string]any{{"phoneNumber": "+61 (2) 5551-2001", "name": "Alice"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeData(t, w, &result)
	if result["added"] != 1 {
		t.Fatalf("expected added=1, got %v", result)
	}

	// The normalized spelling resolves to the same association.
	w = ts.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contacts", map[string]any{
		"contacts": []map[string]any{{"phoneNumber": "+61255512001", "name": "Alice"}},
	})
	decodeData(t, w, &result)
	if result["added"] != 0 || result["skipped"] != 1 {
		t.Errorf("expected added=0 skipped=1, got %v", result)
	}
}

func TestHangupCallWithLiveBridge(t *testing.T) {
	ts := newTestServer(t)
	ts.bridges.live["CA001"] = true

	w := ts.do(t, http.MethodPost, "/api/v1/calls/CA001/hangup", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.hangup.sids) != 0 {
		t.Errorf("expected no direct provider hangup, got %v", ts.hangup.sids)
	}
}

func TestHangupCallWithoutBridge(t *testing.T) {
	ts := newTestServer(t)
	ts.calls.put(&models.Call{SID: "CA002", Status: models.CallInProgress, StartTime: time.Now()})

	w := ts.do(t, http.MethodPost, "/api/v1/calls/CA002/hangup", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.hangup.sids) != 1 || ts.hangup.sids[0] != "CA002" {
		t.Errorf("expected direct provider hangup for CA002, got %v", ts.hangup.sids)
	}
}

func TestHangupCallTerminal(t *testing.T) {
	ts := newTestServer(t)
	ts.calls.put(&models.Call{SID: "CA003", Status: models.CallCompleted, StartTime: time.Now()})

	w := ts.do(t, http.MethodPost, "/api/v1/calls/CA003/hangup", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHangupCallNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/calls/CA404/hangup", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListCallEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.calls.put(&models.Call{SID: "CA005", Status: models.CallCompleted, StartTime: time.Now()})
	if err := ts.timeline.Append(context.Background(), "CA005", "status", `{"status":"completed"}`); err != nil {
		t.Fatalf("append: %v", err)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/calls/CA005/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []callEventResponse
	decodeData(t, w, &entries)
	if len(entries) != 1 || entries[0].EventType != "status" {
		t.Errorf("unexpected timeline: %+v", entries)
	}
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.running["cmp-1"] = true
	ts.calls.put(&models.Call{SID: "CA006", Status: models.CallInProgress, StartTime: time.Now()})

	w := ts.do(t, http.MethodGet, "/api/v1/system/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp systemStatusResponse
	decodeData(t, w, &resp)
	if len(resp.RunningCampaigns) != 1 || resp.RunningCampaigns[0] != "cmp-1" {
		t.Errorf("expected running campaign cmp-1, got %v", resp.RunningCampaigns)
	}
	if resp.CallsByStatus["in-progress"] != 1 {
		t.Errorf("expected 1 in-progress call, got %v", resp.CallsByStatus)
	}
}

func TestEventStreamDeliversEvents(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.srv)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v", err)
	}
	defer conn.Close()

	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ts.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindNewCall,
		Data:   map[string]any{"call_sid": "CA007"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindNewCall {
		t.Errorf("expected kind %q, got %q", events.KindNewCall, ev.Kind)
	}
	if ev.Data["call_sid"] != "CA007" {
		t.Errorf("expected call_sid CA007, got %v", ev.Data["call_sid"])
	}
}

func TestNotFoundUsesEnvelope(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/bogus", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("expected error envelope, got %s", w.Body.String())
	}
}
