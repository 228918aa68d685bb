package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hms/billing/internal/platform/auth"
)

func patientServer(t *testing.T, known map[string]bool, gotAuth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		const prefix = "/api/patients/"
		if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch ref := r.URL.Path[len(prefix):]; {
		case ref == "boom":
			w.WriteHeader(http.StatusInternalServerError)
		case known[ref]:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"_id":"` + ref + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPGateway_Exists(t *testing.T) {
	srv := patientServer(t, map[string]bool{"P1": true}, nil)
	gw := NewHTTPGateway(srv.URL+"/", time.Second, "")

	ok, err := gw.VerifyPatientExists(context.Background(), "P1")
	if err != nil || !ok {
		t.Fatalf("expected P1 to exist, got %v %v", ok, err)
	}
	ok, err = gw.VerifyPatientExists(context.Background(), "P2")
	if err != nil || ok {
		t.Fatalf("expected P2 to be unknown, got %v %v", ok, err)
	}
}

func TestHTTPGateway_ServerErrorIsNotANegativeAnswer(t *testing.T) {
	srv := patientServer(t, nil, nil)
	gw := NewHTTPGateway(srv.URL, time.Second, "")

	if _, err := gw.VerifyPatientExists(context.Background(), "boom"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestHTTPGateway_Unreachable(t *testing.T) {
	srv := patientServer(t, nil, nil)
	url := srv.URL
	srv.Close()

	gw := NewHTTPGateway(url, 200*time.Millisecond, "")
	if _, err := gw.VerifyPatientExists(context.Background(), "P1"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestHTTPGateway_ForwardsCallerToken(t *testing.T) {
	var gotAuth string
	srv := patientServer(t, map[string]bool{"P1": true}, &gotAuth)

	gw := NewHTTPGateway(srv.URL, time.Second, "service-token")
	if _, err := gw.VerifyPatientExists(context.Background(), "P1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer service-token" {
		t.Errorf("expected service token without a caller, got %q", gotAuth)
	}

	ctx := context.WithValue(context.Background(), auth.BearerTokenKey, "caller-token")
	if _, err := gw.VerifyPatientExists(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer caller-token" {
		t.Errorf("expected caller token forwarded, got %q", gotAuth)
	}
}

func TestHTTPGateway_EscapesRef(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _ = NewHTTPGateway(srv.URL, time.Second, "").VerifyPatientExists(context.Background(), "a/b c")
	if gotPath != "/api/patients/a%2Fb%20c" {
		t.Errorf("unexpected path %s", gotPath)
	}
}
