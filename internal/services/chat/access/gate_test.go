package access

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeAllowList struct {
	allowed map[string]bool
	err     error
	calls   int
}

func (f *fakeAllowList) IsCustomerAllowed(_ context.Context, customerID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.allowed[customerID], nil
}

func (f *fakeAllowList) PutAllowedCustomer(_ context.Context, customerID string) error {
	if f.allowed == nil {
		f.allowed = map[string]bool{}
	}
	f.allowed[customerID] = true
	return nil
}

func TestValidateStaticSkipsStore(t *testing.T) {
	store := &fakeAllowList{err: errors.New("store down")}
	gate := NewGate([]string{" CUST1 "}, store)

	id, err := gate.Validate(context.Background(), " CUST1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id != "CUST1" {
		t.Fatalf("expected trimmed id CUST1, got %q", id)
	}
	if store.calls != 0 {
		t.Fatalf("expected no store lookup, got %d", store.calls)
	}
}

func TestValidateFallsBackToStore(t *testing.T) {
	store := &fakeAllowList{allowed: map[string]bool{"CUST9": true}}
	gate := NewGate(nil, store)

	if _, err := gate.Validate(context.Background(), "CUST9"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := gate.Validate(context.Background(), "cust9"); !errors.Is(err, ErrInvalidCustomerID) {
		t.Fatalf("expected ErrInvalidCustomerID, got %v", err)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	gate := NewGate([]string{"CUST1"}, nil)
	if _, err := gate.Validate(context.Background(), "   "); !errors.Is(err, ErrInvalidCustomerID) {
		t.Fatalf("expected ErrInvalidCustomerID, got %v", err)
	}
	if _, err := gate.Validate(context.Background(), "CUST2"); !errors.Is(err, ErrInvalidCustomerID) {
		t.Fatalf("expected ErrInvalidCustomerID without a store, got %v", err)
	}
}

func TestValidateSurfacesStoreErrors(t *testing.T) {
	gate := NewGate(nil, &fakeAllowList{err: errors.New("store down")})
	_, err := gate.Validate(context.Background(), "CUST1")
	if err == nil || errors.Is(err, ErrInvalidCustomerID) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.json")
	if err := os.WriteFile(path, []byte(`["CUST7","CUST8"]`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	ids, err := LoadStatic([]string{"CUST1"}, path)
	if err != nil {
		t.Fatalf("load static: %v", err)
	}
	if len(ids) != 3 || ids[0] != "CUST1" || ids[2] != "CUST8" {
		t.Fatalf("unexpected ids %v", ids)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadStatic(nil, bad); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadStatic(nil, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected read error")
	}
}
