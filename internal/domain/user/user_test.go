package user

import "testing"

func TestCreateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr string
	}{
		{name: "valid", req: CreateRequest{Username: "alice", Password: "Abcdefgh12", Role: RoleAdmin}},
		{name: "missing username", req: CreateRequest{Password: "Abcdefgh12", Role: RoleAdmin}, wantErr: "username is required"},
		{name: "missing password", req: CreateRequest{Username: "alice", Role: RoleAdmin}, wantErr: "password is required"},
		{name: "short password", req: CreateRequest{Username: "alice", Password: "Ab12", Role: RoleAdmin}, wantErr: "password must be at least 10 characters"},
		{name: "no uppercase", req: CreateRequest{Username: "alice", Password: "abcdefgh12", Role: RoleAdmin}, wantErr: "password must contain at least one uppercase letter"},
		{name: "no digit", req: CreateRequest{Username: "alice", Password: "Abcdefghij", Role: RoleAdmin}, wantErr: "password must contain at least one digit"},
		{name: "invalid role", req: CreateRequest{Username: "alice", Password: "Abcdefgh12", Role: "superadmin"}, wantErr: "invalid role: must be admin or viewer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if got := err.Error(); got != tt.wantErr {
				t.Fatalf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestLoginRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     LoginRequest
		wantErr string
	}{
		{name: "valid", req: LoginRequest{Username: "alice", Password: "secret"}},
		{name: "missing username", req: LoginRequest{Password: "secret"}, wantErr: "username is required"},
		{name: "missing password", req: LoginRequest{Username: "alice"}, wantErr: "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if got := err.Error(); got != tt.wantErr {
				t.Fatalf("error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestCreateAPIKeyRequest_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req := CreateAPIKeyRequest{Name: "ci-key", Scopes: []Scope{ScopeAPI}}
		if err := req.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		req := CreateAPIKeyRequest{Scopes: []Scope{ScopeAPI}}
		err := req.Validate()
		if err == nil || err.Error() != "name is required" {
			t.Fatalf("expected 'name is required', got %v", err)
		}
	})

	t.Run("missing scopes", func(t *testing.T) {
		req := CreateAPIKeyRequest{Name: "ci-key"}
		err := req.Validate()
		if err == nil || err.Error() != "at least one scope is required" {
			t.Fatalf("expected 'at least one scope is required', got %v", err)
		}
	})

	t.Run("invalid scope", func(t *testing.T) {
		req := CreateAPIKeyRequest{Name: "ci-key", Scopes: []Scope{"bogus"}}
		err := req.Validate()
		if err == nil {
			t.Fatalf("expected error for invalid scope")
		}
	})
}

func TestAPIKey_HasScope(t *testing.T) {
	k := APIKey{Scopes: []Scope{ScopeAPI}}
	if !k.HasScope(ScopeAPI) {
		t.Error("expected ScopeAPI to be granted")
	}
	if k.HasScope(ScopeAdmin) {
		t.Error("ScopeAPI should not imply ScopeAdmin")
	}

	admin := APIKey{Scopes: []Scope{ScopeAdmin}}
	if !admin.HasScope(ScopeAPI) {
		t.Error("ScopeAdmin should imply every other scope")
	}
}
