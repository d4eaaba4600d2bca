package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/netcheck"
	"rollcall/internal/token"
)

// fakeStore is an in-memory Store that mirrors the repository's row-locked
// binding semantics, so races and outcomes can be exercised without Postgres.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*attendance.Session
	bindings map[string]*string // studentID -> bound device
	marks    map[string]bool    // sessionID+"/"+studentID
	proxies  []attendance.ProxyAttempt
	settings netcheck.Settings
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*attendance.Session{},
		bindings: map[string]*string{},
		marks:    map[string]bool{},
	}
}

func (f *fakeStore) addSession(id string, active bool) {
	f.sessions[id] = &attendance.Session{ID: id, SubjectID: "subj", FacultyID: "fac", StartedAt: time.Now(), Active: active}
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*attendance.Session, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.sessions[id], nil
}

func (f *fakeStore) GetOriginSettings(_ context.Context) (netcheck.Settings, error) {
	if f.failWith != nil {
		return netcheck.Settings{}, f.failWith
	}
	return f.settings, nil
}

func (f *fakeStore) BindAndMark(_ context.Context, sessionID, studentID, deviceID string) (attendance.MarkResult, error) {
	if f.failWith != nil {
		return attendance.MarkResult{}, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	res := attendance.MarkResult{Outcome: attendance.DecideBinding(f.bindings[studentID], deviceID)}
	switch res.Outcome {
	case attendance.OutcomeMismatch:
		for sid, dev := range f.bindings {
			if sid != studentID && dev != nil && *dev == deviceID {
				owner := sid
				res.OwnerStudentID = &owner
			}
		}
		f.proxies = append(f.proxies, attendance.ProxyAttempt{
			StudentID: studentID, DeviceID: deviceID,
			OwnerStudentID: res.OwnerStudentID, SessionID: sessionID,
		})
		return res, nil
	case attendance.OutcomeFirstBind:
		d := deviceID
		f.bindings[studentID] = &d
	}
	key := sessionID + "/" + studentID
	if f.marks[key] {
		res.Duplicate = true
	}
	f.marks[key] = true
	return res, nil
}

func newTestEngine(t *testing.T, store Store) (*Engine, *token.Issuer) {
	t.Helper()
	iss := token.NewIssuer("engine-test-secret")
	return NewEngine(iss, store, 30*time.Second), iss
}

func TestVerifyHappyPathBindsAndMarks(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	e, iss := newTestEngine(t, store)

	raw, err := iss.Issue("sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	v, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Accepted() || v.Duplicate {
		t.Fatalf("verdict = %+v, want fresh accept", v)
	}
	if b := store.bindings["stu-a"]; b == nil || *b != "dev-1" {
		t.Error("first scan did not bind the device")
	}
}

func TestVerifyRejectsInvalidToken(t *testing.T) {
	store := newFakeStore()
	e, _ := newTestEngine(t, store)

	other := token.NewIssuer("some-other-secret")
	forged, _ := other.Issue("sess-1")

	for _, raw := range []string{"garbage", forged} {
		v, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if v.Status != StatusReject || v.Reason != ReasonInvalidToken {
			t.Errorf("verdict for %q = %+v, want reject/invalid_token", raw, v)
		}
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)

	iss := token.NewIssuer("engine-test-secret")
	raw, _ := iss.Issue("sess-1")
	claims, err := iss.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	issued := claims.IssuedTime()

	cases := []struct {
		name   string
		at     time.Time
		status string
		reason string
	}{
		{"just issued", issued.Add(time.Second), StatusAccept, ""},
		{"near edge", issued.Add(29 * time.Second), StatusAccept, ""},
		{"exactly 30s", issued.Add(30 * time.Second), StatusReject, ReasonExpiredToken},
		{"well past", issued.Add(5 * time.Minute), StatusReject, ReasonExpiredToken},
		{"before issue", issued.Add(-2 * time.Second), StatusReject, ReasonExpiredToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			st.addSession("sess-1", true)
			e := NewEngine(iss, st, 30*time.Second)
			e.now = func() time.Time { return tc.at }

			v, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if v.Status != tc.status || v.Reason != tc.reason {
				t.Errorf("verdict = %+v, want %s/%s", v, tc.status, tc.reason)
			}
		})
	}
}

func TestVerifyRejectsClosedOrUnknownSession(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-closed", false)
	e, iss := newTestEngine(t, store)

	for _, sid := range []string{"sess-closed", "sess-unknown"} {
		raw, _ := iss.Issue(sid)
		v, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if v.Status != StatusReject || v.Reason != ReasonSessionClosed {
			t.Errorf("verdict for %s = %+v, want reject/session_closed", sid, v)
		}
	}
}

func TestVerifyRejectsDisallowedOrigin(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	store.settings = netcheck.Settings{AllowedPrefix: "10.0.", Enabled: true}
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	v, err := e.Verify(context.Background(), raw, "dev-1", "192.168.1.1", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Status != StatusReject || v.Reason != ReasonOriginNotAllowed {
		t.Fatalf("verdict = %+v, want reject/origin_not_allowed", v)
	}
	if len(store.marks) != 0 || len(store.proxies) != 0 {
		t.Error("origin rejection must have no durable side effects")
	}

	// Mapped IPv6 spelling of an allowed address passes.
	v, err = e.Verify(context.Background(), raw, "dev-1", "::ffff:10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Accepted() {
		t.Errorf("verdict = %+v, want accept for ::ffff:10.0.5.2", v)
	}
}

func TestVerifyFlagsProxyAttemptAndResolvesOwner(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	d1 := "D1"
	d2 := "D2"
	store.bindings["stu-a"] = &d1
	store.bindings["stu-b"] = &d2
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	v, err := e.Verify(context.Background(), raw, "D2", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Status != StatusFlag || v.Reason != ReasonProxyAttempt {
		t.Fatalf("verdict = %+v, want flag/proxy_attempt", v)
	}
	if len(store.proxies) != 1 {
		t.Fatalf("expected one proxy record, got %d", len(store.proxies))
	}
	p := store.proxies[0]
	if p.StudentID != "stu-a" || p.DeviceID != "D2" {
		t.Errorf("proxy record = %+v, want actor stu-a on device D2", p)
	}
	if p.OwnerStudentID == nil || *p.OwnerStudentID != "stu-b" {
		t.Errorf("owner = %v, want stu-b", p.OwnerStudentID)
	}
	if store.marks["sess-1/stu-a"] {
		t.Error("flagged scan must not record a mark")
	}
}

func TestVerifyDoubleScanIsIdempotentAccept(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	first, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !first.Accepted() || !second.Accepted() {
		t.Fatalf("both scans should accept: %+v, %+v", first, second)
	}
	if first.Duplicate || !second.Duplicate {
		t.Errorf("duplicate flags = %v,%v, want false,true", first.Duplicate, second.Duplicate)
	}
	if n := len(store.marks); n != 1 {
		t.Errorf("persisted marks = %d, want exactly 1", n)
	}
}

func TestVerifyConcurrentFirstScansBindAtMostOnce(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	verdicts := make([]Verdict, 2)
	var wg sync.WaitGroup
	for i, dev := range []string{"dev-real", "dev-proxy"} {
		wg.Add(1)
		go func(i int, dev string) {
			defer wg.Done()
			v, err := e.Verify(context.Background(), raw, dev, "10.0.5.2", "stu-a")
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			verdicts[i] = v
		}(i, dev)
	}
	wg.Wait()

	accepts := 0
	for _, v := range verdicts {
		if v.Accepted() {
			accepts++
		}
	}
	if accepts != 1 {
		t.Fatalf("accepts = %d, want exactly one of two racing first scans", accepts)
	}
	if store.bindings["stu-a"] == nil {
		t.Fatal("no device ended up bound")
	}
}

func TestVerifyRebindsAfterAdminReset(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	d1 := "D1"
	store.bindings["stu-a"] = &d1
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	// Scan from a replacement device is flagged while the old binding holds.
	v, err := e.Verify(context.Background(), raw, "D2", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Status != StatusFlag {
		t.Fatalf("verdict = %+v, want flag before reset", v)
	}

	// Admin reset clears the binding; the next scan binds the new device.
	store.bindings["stu-a"] = nil

	v, err = e.Verify(context.Background(), raw, "D2", "10.0.5.2", "stu-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !v.Accepted() {
		t.Fatalf("verdict = %+v, want accept after reset", v)
	}
	if b := store.bindings["stu-a"]; b == nil || *b != "D2" {
		t.Error("replacement device was not bound")
	}
}

func TestVerifyPropagatesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.addSession("sess-1", true)
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	store.failWith = errors.New("connection refused")
	if _, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", "stu-a"); err == nil {
		t.Fatal("store failure must surface as an error, not a verdict")
	}
	if len(store.marks) != 0 {
		t.Error("no mark may be assumed when the store failed")
	}
}

func TestVerifyRequiresDeviceAndStudent(t *testing.T) {
	store := newFakeStore()
	e, iss := newTestEngine(t, store)
	raw, _ := iss.Issue("sess-1")

	if _, err := e.Verify(context.Background(), raw, "", "10.0.5.2", "stu-a"); err == nil {
		t.Error("expected error for missing device id")
	}
	if _, err := e.Verify(context.Background(), raw, "dev-1", "10.0.5.2", ""); err == nil {
		t.Error("expected error for missing student id")
	}
}
