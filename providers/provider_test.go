package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGrantValidate(t *testing.T) {
	tests := []struct {
		name    string
		grant   Grant
		wantErr bool
	}{
		{
			name:  "valid oauth grant",
			grant: Grant{Kind: GrantOAuth, Token: "gho_abc"},
		},
		{
			name:  "valid installation grant",
			grant: Grant{Kind: GrantInstallation, InstallationID: 42},
		},
		{
			name:    "oauth grant without token",
			grant:   Grant{Kind: GrantOAuth},
			wantErr: true,
		},
		{
			name:    "oauth grant with installation id",
			grant:   Grant{Kind: GrantOAuth, Token: "gho_abc", InstallationID: 42},
			wantErr: true,
		},
		{
			name:    "installation grant without id",
			grant:   Grant{Kind: GrantInstallation},
			wantErr: true,
		},
		{
			name:    "installation grant with token",
			grant:   Grant{Kind: GrantInstallation, InstallationID: 42, Token: "ghs_abc"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			grant:   Grant{Kind: "pat", Token: "abc"},
			wantErr: true,
		},
		{
			name:    "empty grant",
			grant:   Grant{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grant.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentityEmpty(t *testing.T) {
	empty := Identity{}
	assert.True(t, empty.Empty())

	named := Identity{Login: "octocat"}
	assert.False(t, named.Empty())
}
