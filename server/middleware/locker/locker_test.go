package locker_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"goji.io"
	"goji.io/pat"

	"github.jpl.nasa.gov/bdube/photel/server"
	"github.jpl.nasa.gov/bdube/photel/server/middleware/locker"
)

func newLockedServer(t *testing.T) (*httptest.Server, *locker.Locker) {
	t.Helper()
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/state"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(pat.Post("/exposure-time"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	l := locker.New()
	locker.Inject(mux, l)
	mux.Use(l.Check)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, l
}

func TestUnlockedPassesEverything(t *testing.T) {
	srv, _ := newLockedServer(t)
	resp, err := http.Post(srv.URL+"/exposure-time", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 while unlocked, got %d", resp.StatusCode)
	}
}

func TestLockedBouncesMutations(t *testing.T) {
	srv, l := newLockedServer(t)
	l.Lock()
	resp, err := http.Post(srv.URL+"/exposure-time", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("expected 423 while locked, got %d", resp.StatusCode)
	}
}

func TestLockedPassesReads(t *testing.T) {
	srv, l := newLockedServer(t)
	l.Lock()
	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reads should pass while locked, got %d", resp.StatusCode)
	}
}

func TestLockOverHTTP(t *testing.T) {
	srv, l := newLockedServer(t)
	buf, _ := json.Marshal(server.BoolT{Bool: true})
	resp, err := http.Post(srv.URL+"/lock", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !l.Locked() {
		t.Fatal("locker not locked after POST /lock")
	}

	// the lock route itself stays reachable while locked
	buf, _ = json.Marshal(server.BoolT{Bool: false})
	resp, err = http.Post(srv.URL+"/lock", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 unlocking, got %d", resp.StatusCode)
	}
	if l.Locked() {
		t.Errorf("locker still locked after unlock")
	}

	resp, err = http.Get(srv.URL + "/lock")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b server.BoolT
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Bool {
		t.Errorf("expected unlocked state over HTTP")
	}
}
