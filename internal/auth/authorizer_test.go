package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAuthorizer(t *testing.T) {
	a, err := NewAuthorizer("testdata/model.conf", "testdata/policy.csv")
	require.NoError(t, err)

	testcases := []struct {
		subject string
		action  string
		allowed bool
	}{
		{"root", ProduceAction, true},
		{"root", ConsumeAction, true},
		{"root", AdminAction, true},
		{"reader", ConsumeAction, true},
		{"reader", ProduceAction, false},
		{"reader", AdminAction, false},
		{"nobody", ConsumeAction, false},
		{"root", "delete", false},
	}
	for _, tc := range testcases {
		t.Run(tc.subject+"/"+tc.action, func(t *testing.T) {
			err := a.Authorize(tc.subject, ObjectWildcard, tc.action)
			if tc.allowed {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, codes.PermissionDenied, status.Code(err))
		})
	}
}

func TestNewAuthorizerMissingFiles(t *testing.T) {
	_, err := NewAuthorizer("testdata/missing.conf", "testdata/policy.csv")
	require.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	t.Setenv("CONFIG_DIR", "/etc/commitlog")
	require.Equal(t, "/etc/commitlog/ca.pem", ConfigFile("ca.pem"))
}
